package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hbomb79/Sideline/internal"
	"github.com/hbomb79/Sideline/pkg/logger"
)

var log = logger.Get("Main")

// main loads the user's config.ini from the conventional search
// locations, constructs the pipeline and runs it until an interrupt or
// an unrecoverable service failure.
func main() {
	configPath, err := internal.FindConfigFile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Sideline failed to start: %s\n", err.Error())
		os.Exit(1)
	}

	config := internal.SidelineConfig{}
	if err := config.LoadFromFile(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Sideline failed to start: %s\n", err.Error())
		os.Exit(1)
	}

	if config.LogLevel != "" {
		if err := applyLogLevel(config.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "Sideline failed to start: %s\n", err.Error())
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Emit(logger.NEW, "Starting Sideline using config at %s\n", configPath)
	sideline, err := internal.New(ctx, config)
	if err != nil {
		log.Emit(logger.FATAL, "Failed to initialise Sideline: %s\n", err.Error())
		os.Exit(1)
	}

	if err := sideline.Run(ctx); err != nil {
		log.Emit(logger.FATAL, "Sideline stopped: %s\n", err.Error())
		os.Exit(1)
	}

	log.Emit(logger.STOP, "Sideline shut down cleanly\n")
}

func applyLogLevel(level string) error {
	switch level {
	case "verbose":
		logger.SetMinLoggingLevel(logger.VERBOSE.Level())
	case "debug":
		logger.SetMinLoggingLevel(logger.DEBUG.Level())
	case "info":
		logger.SetMinLoggingLevel(logger.INFO.Level())
	case "warning":
		logger.SetMinLoggingLevel(logger.WARNING.Level())
	case "error":
		logger.SetMinLoggingLevel(logger.ERROR.Level())
	default:
		return errors.New("log_level must be one of verbose, debug, info, warning or error")
	}

	return nil
}
