package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/maxpert/vole/docstore"
)

// executeSeed bulk-loads documents from a JSON file into the store.
func executeSeed(ctx context.Context, cfg *Config, file string) error {
	docs, err := readDocs(file)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		fmt.Println("No documents to load")
		return nil
	}

	store, err := cfg.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	start := time.Now()
	var loaded, failed int
	for begin := 0; begin < len(docs); begin += cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := begin + cfg.BatchSize
		if end > len(docs) {
			end = len(docs)
		}

		results, err := store.BulkDocs(ctx, docs[begin:end])
		if err != nil {
			return err
		}
		for _, res := range results {
			if res.Err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "  %s: %v\n", res.ID, res.Err)
				continue
			}
			loaded++
		}
	}

	fmt.Printf("Loaded %d documents (%d failed) in %s\n", loaded, failed, time.Since(start).Round(time.Millisecond))
	return nil
}

// readDocs parses the input as either a JSON array of documents or one
// document per line. "-" reads stdin.
func readDocs(file string) ([]docstore.Document, error) {
	var in io.Reader
	if file == "-" {
		in = os.Stdin
	} else {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		in = f
	}

	br := bufio.NewReader(in)
	first, err := firstByte(br)
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}

	if first == '[' {
		var docs []docstore.Document
		if err := json.NewDecoder(br).Decode(&docs); err != nil {
			return nil, fmt.Errorf("invalid JSON array: %w", err)
		}
		return docs, nil
	}

	var docs []docstore.Document
	dec := json.NewDecoder(br)
	for {
		var doc docstore.Document
		if err := dec.Decode(&doc); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("invalid document %d: %w", len(docs)+1, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// firstByte peeks the first non-whitespace byte without consuming it.
func firstByte(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			if _, err := br.ReadByte(); err != nil {
				return 0, err
			}
		default:
			return b[0], nil
		}
	}
}
