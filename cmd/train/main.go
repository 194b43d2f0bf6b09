package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"customvision/internal/config"
	"customvision/internal/logger"
	"customvision/internal/repository/sqlite"
	"customvision/internal/service/classifier"
	"customvision/internal/service/corpus"
	"customvision/internal/service/training"
	"customvision/internal/tensor"
)

func main() {
	cfg := config.Load()

	dbPath := flag.String("db", cfg.DatabasePath, "Database path")
	epochs := flag.Int("epochs", cfg.Epochs, "Training epochs")
	batchSize := flag.Int("batch", cfg.BatchSize, "Mini-batch size")
	key := flag.String("key", cfg.ModelKey, "Key the trained model is stored under")
	flag.Parse()

	cfg.DatabasePath = *dbPath
	cfg.Epochs = *epochs
	cfg.BatchSize = *batchSize
	cfg.ModelKey = *key

	db, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	logs := logger.NewLogger(cfg)
	defer logs.Sync()

	examples := corpus.New(sqlite.NewExampleRepository(db), logs)
	n, err := examples.Restore()
	if err != nil {
		log.Fatalf("Failed to restore training corpus: %v", err)
	}
	fmt.Printf("Restored %d examples from %s\n", n, cfg.DatabasePath)
	for _, class := range examples.Classes() {
		fmt.Printf("   - %s: %d examples\n", class, len(examples.Examples(class)))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker := &tensor.Tracker{}
	trainer := training.NewTrainer(cfg, logs, sqlite.NewModelRepository(db), &classifier.Active{}, tracker)
	session, err := trainer.Start(ctx, examples)
	if err != nil {
		log.Fatalf("Cannot train: %v", err)
	}

	for ev := range session.Events() {
		switch ev.Type {
		case training.EventLog:
			fmt.Println(ev.Line)
		case training.EventEpoch:
			fmt.Printf("[%3.0f%%] epoch %d/%d loss=%.4f acc=%.3f\n", ev.Percent, ev.Epoch, ev.Epochs, ev.Loss, ev.Accuracy)
		}
	}

	result := session.Wait()
	switch {
	case result.Cancelled:
		fmt.Println("Training cancelled, stored model unchanged")
		os.Exit(1)
	case !result.Success:
		log.Fatalf("Training failed: %s", result.Error)
	case result.PersistError != "":
		log.Fatalf("Model trained but not saved: %s", result.PersistError)
	}
	fmt.Printf("Model %s saved with labels %v\n", cfg.ModelKey, result.Labels)
}
