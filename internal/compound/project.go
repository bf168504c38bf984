package compound

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Gate is one validation command run against the target repository
// after each iteration.
type Gate struct {
	Name    string   `json:"name"`
	Command []string `json:"command"`
}

// projectGates maps a detected project type to its ordered gate list.
// Gates whose binary is not on PATH are dropped at detection time.
var projectGates = map[string][]Gate{
	"go": {
		{Name: "vet", Command: []string{"go", "vet", "./..."}},
		{Name: "build", Command: []string{"go", "build", "./..."}},
		{Name: "test", Command: []string{"go", "test", "./..."}},
	},
	"node": {
		{Name: "typecheck", Command: []string{"npx", "tsc", "--noEmit"}},
		{Name: "test", Command: []string{"npm", "test", "--silent"}},
	},
	"rust": {
		{Name: "check", Command: []string{"cargo", "check"}},
		{Name: "test", Command: []string{"cargo", "test"}},
	},
	"python": {
		{Name: "lint", Command: []string{"ruff", "check", "."}},
		{Name: "test", Command: []string{"pytest", "-q"}},
	},
	"make": {
		{Name: "test", Command: []string{"make", "test"}},
	},
}

// markers are checked in order; the first match wins.
var markers = []struct {
	file        string
	projectType string
}{
	{"go.mod", "go"},
	{"package.json", "node"},
	{"Cargo.toml", "rust"},
	{"pyproject.toml", "python"},
	{"setup.py", "python"},
	{"Makefile", "make"},
}

// detectProject infers the project type from dependency manifests in dir
// and returns the runnable gate list. Zero runnable gates is an error.
func detectProject(dir string) (string, []Gate, error) {
	projectType := ""
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(dir, m.file)); err == nil {
			projectType = m.projectType
			break
		}
	}
	if projectType == "" {
		return "", nil, fmt.Errorf("no recognized project manifest in %s", dir)
	}

	var gates []Gate
	for _, g := range projectGates[projectType] {
		if _, err := exec.LookPath(g.Command[0]); err != nil {
			continue
		}
		gates = append(gates, g)
	}
	if len(gates) == 0 {
		return "", nil, fmt.Errorf("no runnable quality gates for %s project", projectType)
	}
	return projectType, gates, nil
}
