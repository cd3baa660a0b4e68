package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/smallbets/smallbot/pkg/directory"
)

func openDirectory() (*directory.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return directory.NewSQLiteStore(cfg.DirectoryPath())
}

func runDirectorySeed() error {
	store, err := openDirectory()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := store.Seed(ctx, directory.SampleEntries())
	if err != nil {
		return err
	}
	fmt.Printf("✓ Seeded %d member profiles\n", n)
	return nil
}

func runDirectoryShow(handle string) error {
	store, err := openDirectory()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	p, err := store.Lookup(ctx, handle)
	if errors.Is(err, directory.ErrNotFound) {
		return fmt.Errorf("no profile linked to %s", handle)
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Handle:\t%s\n", p.Handle)
	fmt.Fprintf(w, "Name:\t%s\n", p.FullName())
	if p.Location != "" {
		fmt.Fprintf(w, "Location:\t%s\n", p.Location)
	}
	if url := p.TwitterURL(); url != "" {
		fmt.Fprintf(w, "Twitter:\t%s\n", url)
	}
	if url := p.LinkedInURL(); url != "" {
		fmt.Fprintf(w, "LinkedIn:\t%s\n", url)
	}
	if !p.JoinedAt.IsZero() {
		fmt.Fprintf(w, "Joined:\t%s\n", p.JoinedAt.Format("02 Jan 2006"))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	projects, err := store.Projects(ctx, p.ID)
	if err != nil {
		return err
	}
	if len(projects) > 0 {
		fmt.Println("\nProjects:")
		for _, pr := range projects {
			fmt.Printf("  • %s  %s\n", pr.Name, pr.URL)
		}
	}
	return nil
}

func runDirectorySearch(term string, limit int) error {
	store, err := openDirectory()
	if err != nil {
		return err
	}
	defer store.Close()

	results, err := store.Search(context.Background(), term, limit)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Printf("No members match %q\n", term)
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HANDLE\tNAME\tLOCATION")
	for _, p := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.Handle, p.FullName(), p.Location)
	}
	return w.Flush()
}
