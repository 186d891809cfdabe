package subcommands

import (
	"fmt"
	"os"

	"SimpleLLM/internal/config"

	"gopkg.in/yaml.v3"
)

// RunConfig prints the resolved configuration as YAML.
func RunConfig(cfg config.Config) int {
	fmt.Println("# SimpleLLM configuration")
	fmt.Printf("# models: %s\n# embeddings: %s\n# history: %s\n", cfg.ModelsDir(), cfg.EmbeddingCacheDir(), cfg.HistoryPath())

	data, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling config: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}
