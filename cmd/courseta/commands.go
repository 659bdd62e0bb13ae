package main

import (
	"encoding/base64"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"courseta/internal/api"
	"courseta/internal/config"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest scraped course material or forum posts into the index",
	Long: `Ingest scraped course material or forum posts into the index.

Examples:
  courseta ingest --corpus course --dir ./tds_pages_md
  courseta ingest --corpus forum --dir ./discourse_posts
  courseta ingest --corpus course --file ./docker.md --url https://tds.s-anand.net/#/docker`,
	RunE: func(cmd *cobra.Command, args []string) error {
		corpus, _ := cmd.Flags().GetString("corpus")
		file, _ := cmd.Flags().GetString("file")
		dir, _ := cmd.Flags().GetString("dir")
		url, _ := cmd.Flags().GetString("url")
		title, _ := cmd.Flags().GetString("title")

		if corpus != "course" && corpus != "forum" {
			return fmt.Errorf("--corpus must be course or forum")
		}
		if (file == "") == (dir == "") {
			return fmt.Errorf("exactly one of --file or --dir is required")
		}

		var docs []api.IngestDocument
		if file != "" {
			doc, err := readDocument(file, corpus)
			if err != nil {
				return err
			}
			if url != "" {
				doc.SourceURL = url
			}
			if title != "" {
				doc.Title = title
			}
			docs = append(docs, doc)
		} else {
			err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() || !ingestible(path) {
					return nil
				}
				doc, err := readDocument(path, corpus)
				if err != nil {
					printWarning("skipping %s: %v", path, err)
					return nil
				}
				docs = append(docs, doc)
				return nil
			})
			if err != nil {
				return fmt.Errorf("walking %s: %w", dir, err)
			}
		}
		if len(docs) == 0 {
			return fmt.Errorf("nothing to ingest")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Ingesting %d document(s)...", len(docs))
		resp, err := client.post(cmd.Context(), "/ingest", api.IngestRequest{Documents: docs})
		if err != nil {
			return err
		}

		var result api.IngestResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Indexed %d document(s), %d chunk(s)", result.DocumentsIndexed, result.ChunksIndexed)
		if result.Skipped > 0 {
			printWarning("Skipped %d document(s)", result.Skipped)
		}
		for _, e := range result.Errors {
			printError("%s", e)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("corpus", "", "corpus to ingest into: course or forum")
	ingestCmd.Flags().String("file", "", "single file to ingest")
	ingestCmd.Flags().String("dir", "", "directory to ingest recursively")
	ingestCmd.Flags().String("url", "", "source URL for a single file (overrides the file path)")
	ingestCmd.Flags().String("title", "", "title for a single file")
}

var ingestibleExts = map[string]bool{
	".md": true, ".markdown": true, ".html": true, ".htm": true,
	".txt": true, ".json": true, ".pdf": true,
}

func ingestible(path string) bool {
	return ingestibleExts[strings.ToLower(filepath.Ext(path))]
}

// readDocument loads one file into a wire document. Binary formats travel
// base64-encoded; text travels as content. The file path serves as the
// source URL until front matter on the server side overrides it.
func readDocument(path, corpus string) (api.IngestDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return api.IngestDocument{}, fmt.Errorf("reading file: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	doc := api.IngestDocument{
		SourceURL: "file://" + abs,
		Corpus:    corpus,
		FetchedAt: time.Now().UTC(),
	}
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		doc.Data = base64.StdEncoding.EncodeToString(data)
		doc.MimeType = "application/pdf"
	} else {
		doc.Content = string(data)
	}
	return doc, nil
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question against the indexed course material",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		imagePath, _ := cmd.Flags().GetString("image")
		session, _ := cmd.Flags().GetString("session")

		req := api.AskRequest{Question: question, SessionID: session}
		if imagePath != "" {
			data, err := os.ReadFile(imagePath)
			if err != nil {
				return fmt.Errorf("reading image: %w", err)
			}
			req.Image = base64.StdEncoding.EncodeToString(data)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/", req)
		if err != nil {
			return err
		}

		var result api.AskResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Answer)
		if len(result.Links) > 0 {
			fmt.Println()
			fmt.Println(colorize(colorBold, "Sources:"))
			for _, l := range result.Links {
				fmt.Printf("  %s\n    %s\n", colorize(colorCyan, l.URL), l.Text)
			}
		}
		for _, w := range result.Warnings {
			printWarning("%s", w)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().String("image", "", "path to an image to attach to the question")
	askCmd.Flags().String("session", "", "session id for the chat history log")
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and index status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		serverURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
		healthClient := &http.Client{Timeout: 2 * time.Second}

		resp, err := healthClient.Get(serverURL + "/health")
		if err != nil {
			printStatus("Server", "stopped")
			printStatus("Data dir", "%s", cfg.Storage.DataDir)
			return nil
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on %s:%d", cfg.Server.Host, cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		statusResp, err := client.get(cmd.Context(), "/status")
		if err == nil {
			var st api.StatusResponse
			if decodeErr := decodeJSON(statusResp, &st); decodeErr == nil {
				printStatus("Documents", "%d", st.Documents)
				printStatus("Chunks", "%d", st.Chunks)
				if st.Dimension > 0 {
					printStatus("Dimension", "%d", st.Dimension)
				}
			}
		}

		printStatus("Embed model", "%s", cfg.Provider.EmbedModel)
		printStatus("Completion model", "%s", cfg.Provider.CompletionModel)
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	},
}
