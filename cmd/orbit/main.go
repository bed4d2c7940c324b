package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/orbitgw/orbit/ai/config"
	"github.com/orbitgw/orbit/internal/profile"
	"github.com/orbitgw/orbit/internal/version"
	"github.com/orbitgw/orbit/server"
	"github.com/orbitgw/orbit/store"
	"github.com/orbitgw/orbit/store/db"
)

// Process exit codes.
const (
	exitOK         = 0
	exitConfig     = 1
	exitDependency = 2
	exitInterrupt  = 130
)

var rootCmd = &cobra.Command{
	Use:   "orbit",
	Short: "A self-hosted inference gateway unifying LLM backends and RAG datasources behind one streaming API.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is a development convenience; service managers inject real env.
		_ = godotenv.Load()
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{
			Mode:       viper.GetString("mode"),
			Addr:       viper.GetString("addr"),
			Port:       viper.GetInt("port"),
			Data:       viper.GetString("data"),
			Driver:     viper.GetString("driver"),
			DSN:        viper.GetString("dsn"),
			ConfigFile: viper.GetString("config"),
			Version:    version.GetCurrentVersion(viper.GetString("mode")),
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			slog.Error("invalid profile", "error", err)
			os.Exit(exitConfig)
		}

		gatewayConfig, err := config.Load(instanceProfile.ConfigFile)
		if err != nil {
			slog.Error("invalid gateway config", "path", instanceProfile.ConfigFile, "error", err)
			os.Exit(exitConfig)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		dbDriver, err := db.NewDBDriver(instanceProfile)
		if err != nil {
			slog.Error("failed to create db driver", "driver", instanceProfile.Driver, "error", err)
			os.Exit(exitDependency)
		}

		storeInstance := store.New(dbDriver, instanceProfile)
		if err := storeInstance.Migrate(ctx); err != nil {
			slog.Error("failed to migrate store", "error", err)
			os.Exit(exitDependency)
		}

		s, err := server.NewServer(ctx, instanceProfile, storeInstance, gatewayConfig)
		if err != nil {
			slog.Error("failed to create server", "error", err)
			if instanceProfile.Strict {
				os.Exit(exitDependency)
			}
			os.Exit(exitConfig)
		}

		c := make(chan os.Signal, 1)
		signal.Notify(c, terminationSignals...)

		if err := s.Start(ctx); err != nil {
			slog.Error("failed to start server", "error", err)
			os.Exit(exitDependency)
		}

		printGreetings(instanceProfile)

		sig := <-c
		slog.Info("shutting down", "signal", sig.String())
		s.Shutdown(ctx)
		cancel()

		if sig == os.Interrupt {
			os.Exit(exitInterrupt)
		}
		os.Exit(exitOK)
	},
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("port", 3300)
	viper.SetDefault("config", "orbit.yaml")

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 3300, "port of server")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("driver", "sqlite", "database driver (sqlite, postgres)")
	rootCmd.PersistentFlags().String("dsn", "", "database source name (aka. DSN)")
	rootCmd.PersistentFlags().String("config", "orbit.yaml", "path to the gateway config file")

	for _, flag := range []string{"mode", "addr", "port", "data", "driver", "dsn", "config"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("orbit")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(profile *profile.Profile) {
	fmt.Printf("Orbit %s started successfully!\n", profile.Version)

	if profile.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
		if profile.DSN != "" {
			fmt.Fprintf(os.Stderr, "Database: %s\n", profile.DSN)
		}
	}

	fmt.Printf("Data directory: %s\n", profile.Data)
	fmt.Printf("Database driver: %s\n", profile.Driver)
	fmt.Printf("Gateway config: %s\n", profile.ConfigFile)
	fmt.Printf("Mode: %s\n", profile.Mode)

	if len(profile.Addr) == 0 {
		fmt.Printf("Server running on port %d\n", profile.Port)
	} else {
		fmt.Printf("Server running on %s:%d\n", profile.Addr, profile.Port)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
}
