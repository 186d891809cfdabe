package subcommands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"SimpleLLM/internal/embedding"
	"SimpleLLM/internal/pipeline"
)

var errNoEmbeddings = errors.New("embeddings are not configured; set embedding.model_path or embedding.backend: server")

// RunEmbed prints the embedding of a text, or of a file with --file, as JSON.
func RunEmbed(ctx context.Context, pipe *pipeline.Pipeline, args []string) int {
	fs := newFlagSet("embed")
	file := fs.String("file", "", "Embed the contents of this file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if pipe.Cache == nil {
		printError("error", errNoEmbeddings)
		return 1
	}

	var in embedding.Input
	switch {
	case *file != "":
		in = embedding.FileInput(*file)
	case fs.NArg() > 0:
		in = embedding.TextInput(strings.Join(fs.Args(), " "))
	default:
		fmt.Fprintln(os.Stderr, "usage: simplellm embed <text> | --file path")
		return 1
	}

	vec, err := pipe.Cache.GetOrCompute(ctx, in)
	if err != nil {
		printError("embed failed", err)
		return 1
	}
	if err := json.NewEncoder(os.Stdout).Encode(vec); err != nil {
		printError("error", err)
		return 1
	}
	return 0
}

// RunRetrieve ranks segments of the given documents against a query and
// prints the top matches.
func RunRetrieve(ctx context.Context, pipe *pipeline.Pipeline, args []string) int {
	cfg := pipe.Config()
	fs := newFlagSet("retrieve")
	query := fs.String("query", "", "Query to rank segments against")
	segmentSize := fs.Int("segment-size", cfg.Embedding.SegmentSize, "Segment size in tokens (words with the server backend)")
	topN := fs.Int("top", cfg.Embedding.TopN, "Number of segments to return")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if pipe.Retriever == nil {
		printError("error", errNoEmbeddings)
		return 1
	}
	if strings.TrimSpace(*query) == "" || fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: simplellm retrieve --query text <file>...")
		return 1
	}

	text, err := pipe.Retriever.RetrieveContext(ctx, *query, fs.Args(), *segmentSize, *topN)
	if err != nil {
		printError("retrieve failed", err)
		return 1
	}
	fmt.Println(text)
	return 0
}
