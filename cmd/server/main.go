package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ifuryst/postflow/internal/config"
	"github.com/ifuryst/postflow/internal/server"
	"github.com/ifuryst/postflow/internal/service"
	"github.com/ifuryst/postflow/pkg/logger"
)

var (
	configPath string
	hours      int
	version    = "0.1.0"
	gitCommit  = "unknown"
	buildTime  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "postflow",
	Short: "PostFlow - Scheduled job post publishing",
	Long:  `PostFlow renders job postings into images and publishes them to Instagram on a one-off or recurring schedule.`,
	RunE:  runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("PostFlow %s\n", version)
		fmt.Printf("Git commit: %s\n", gitCommit)
		fmt.Printf("Build time: %s\n", buildTime)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE:  runMigrate,
}

var upcomingCmd = &cobra.Command{
	Use:   "upcoming",
	Short: "List active jobs due within the next hours",
	RunE:  runUpcoming,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/server.yaml", "config file path")
	upcomingCmd.Flags().IntVar(&hours, "hours", 0, "look-ahead window in hours (default from config)")
	rootCmd.AddCommand(versionCmd, migrateCmd, upcomingCmd)
}

func runServer(*cobra.Command, []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	appLogger, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting PostFlow server", zap.String("version", version))

	// Create server
	srv, err := server.NewServer(cfg, appLogger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Start server
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("Server failed to start", zap.Error(err))
			cancel()
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		appLogger.Info("Shutting down server...")
	case <-ctx.Done():
		appLogger.Info("Server context cancelled")
	}

	// Graceful shutdown, in-flight publishes are allowed to finish
	if err := srv.Shutdown(context.Background()); err != nil {
		appLogger.Error("Server forced to shutdown", zap.Error(err))
		return err
	}

	appLogger.Info("Server exited")
	return nil
}

func runMigrate(*cobra.Command, []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database.Type == "memory" {
		return errors.New("the memory database has no schema to migrate")
	}

	db, err := service.NewDatabase(&cfg.Database)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	fmt.Printf("Migrated %s database\n", cfg.Database.Type)
	return nil
}

func runUpcoming(*cobra.Command, []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := service.NewStore(&cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	// Listing never publishes, so no gateway is wired.
	manager := service.NewScheduleManager(store, nil, nil, server.ManagerConfig(cfg), zap.NewNop())
	jobs, err := manager.ListUpcoming(context.Background(), hours)
	if err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Println("No upcoming jobs")
		return nil
	}
	for _, job := range jobs {
		fmt.Printf("%s\t%s\t%s\n", job.ScheduledTime.Local().Format(time.DateTime), job.Frequency, job.ContentID)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
