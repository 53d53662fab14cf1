package recipe

import (
	"context"
	"fmt"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
)

// ValidateCompose parses a rendered compose document the same way the
// remote compose tool will, surfacing a templating mistake (a typo'd
// placeholder, malformed YAML) before the bundle is ever uploaded to a
// host. Grounded on the teacher's internal/compose/parser.go, which
// loads compose documents through the same compose-spec/compose-go/v2
// loader for the identical reason.
func ValidateCompose(projectName string, document string) (*types.Project, error) {
	details := types.ConfigDetails{
		WorkingDir: ".",
		ConfigFiles: []types.ConfigFile{
			{Filename: "docker-compose.yml", Content: []byte(document)},
		},
	}

	project, err := loader.LoadWithContext(context.Background(), details, func(o *loader.Options) {
		o.SetProjectName(projectName, true)
		o.SkipValidation = false
		o.SkipConsistencyCheck = true
		o.ResolvePaths = false
	})
	if err != nil {
		return nil, fmt.Errorf("invalid compose document: %w", err)
	}
	return project, nil
}
