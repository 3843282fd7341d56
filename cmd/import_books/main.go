package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"library-lending/config"
	"library-lending/library"
	"library-lending/logger"
)

// catalog is the import file layout.
type catalog struct {
	Books []catalogBook `yaml:"books"`
}

type catalogBook struct {
	ID       string `yaml:"id"`
	Title    string `yaml:"title"`
	Author   string `yaml:"author"`
	Category string `yaml:"category"`
	Total    int    `yaml:"total"`
}

type importResult struct {
	added, skipped, failed int
}

func main() {
	if err := newImportCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newImportCommand() *cobra.Command {
	var (
		confFile string
		dbPath   string
	)
	cmd := &cobra.Command{
		Use:           "import_books <catalog.yaml>",
		Short:         "Load a YAML book catalog into the lending database",
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.Load(confFile)
			if err != nil {
				if cmd.Flags().Changed("conf") || !os.IsNotExist(err) {
					return err
				}
				cfg = config.Default()
			}
			if dbPath != "" {
				cfg.Database.Path = dbPath
			}

			log, err := logger.NewLogger(&cfg.Logger)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			books, err := readCatalog(args[0])
			if err != nil {
				return err
			}

			db, err := library.NewDatabase(cfg.Database.Path, cfg.Database.BusyTimeout)
			if err != nil {
				return fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
			}
			defer db.Close()
			manager := library.NewLibraryManager(db, library.NewBcryptHasher(), log)

			fmt.Fprintf(cmd.OutOrStdout(), "Importing %d book(s) from %s into %s...\n", len(books), args[0], cfg.Database.Path)
			res := importBooks(cmd.Context(), manager, books, log)

			fmt.Fprintf(cmd.OutOrStdout(), "\nImport complete!\n")
			fmt.Fprintf(cmd.OutOrStdout(), "Added:   %d\n", res.added)
			fmt.Fprintf(cmd.OutOrStdout(), "Skipped: %d (already in the catalog)\n", res.skipped)
			fmt.Fprintf(cmd.OutOrStdout(), "Errors:  %d\n", res.failed)
			if res.failed > 0 {
				return fmt.Errorf("%d book(s) could not be imported", res.failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&confFile, "conf", "library.yaml", "path to the YAML configuration file")
	cmd.Flags().StringVar(&dbPath, "db", "", "path to the sqlite database (overrides database.path)")
	return cmd
}

func readCatalog(path string) ([]*library.Book, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	books := make([]*library.Book, 0, len(c.Books))
	for _, b := range c.Books {
		books = append(books, &library.Book{
			ID:        strings.TrimSpace(b.ID),
			Title:     strings.TrimSpace(b.Title),
			Author:    strings.TrimSpace(b.Author),
			Category:  strings.TrimSpace(b.Category),
			Available: b.Total,
			Total:     b.Total,
		})
	}
	return books, nil
}

// importBooks adds every book, treating BOOK_ALREADY_EXISTS as a skip so the
// import can be rerun.
func importBooks(ctx context.Context, manager *library.LibraryManager, books []*library.Book, log *zap.Logger) importResult {
	var res importResult
	for _, b := range books {
		err := manager.AddBook(ctx, b)
		if err == nil {
			res.added++
			continue
		}
		if f, ok := library.AsFailure(err); ok && f.Code == library.CodeBookExists {
			log.Debug("book already present", zap.String("book_id", b.ID))
			res.skipped++
			continue
		}
		log.Warn("import failed", zap.String("book_id", b.ID), zap.String("title", b.Title), zap.Error(err))
		res.failed++
	}
	return res
}
