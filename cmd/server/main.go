package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"customvision/internal/app"
)

func main() {
	application, err := app.NewApp()
	if err != nil {
		log.Fatalf("Failed to initialize server: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		application.Shutdown()
	}()

	runErr := application.Run()
	if err := application.Close(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	if runErr != nil {
		log.Fatalf("Failed to start server: %v", runErr)
	}
}
