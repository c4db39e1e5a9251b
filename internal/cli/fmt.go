package cli

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var fmtCheck bool

var fmtCmd = &cobra.Command{
	Use:   "fmt [paths...]",
	Short: "Format stack files",
	Long: `Rewrites stack files in a canonical style.

YAML stacks are re-encoded with two-space indentation, keeping comments.
PKL stacks have trailing whitespace trimmed, runs of blank lines collapsed
and a trailing newline added.

By default formats every stack file under the current directory. Use
--check to verify formatting without making changes.`,
	RunE: runFmt,
}

func init() {
	fmtCmd.Flags().BoolVar(&fmtCheck, "check", false, "Check formatting without making changes (fails if any file is not formatted)")
}

func runFmt(cmd *cobra.Command, args []string) error {
	paths := args
	if len(paths) == 0 {
		paths = []string{"."}
	}

	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		found, err := findStackFiles(p)
		if err != nil {
			return err
		}
		files = append(files, found...)
	}

	if len(files) == 0 {
		pterm.Info.Println("No stack files found.")
		return nil
	}

	unformatted := 0
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
		formatted, err := formatStack(file, data)
		if err != nil {
			return err
		}
		if bytes.Equal(data, formatted) {
			continue
		}
		unformatted++
		if fmtCheck {
			pterm.Warning.Printfln("%s: not formatted", file)
			continue
		}
		if err := os.WriteFile(file, formatted, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", file, err)
		}
		pterm.Success.Printfln("%s: formatted", file)
	}

	if fmtCheck && unformatted > 0 {
		return fmt.Errorf("%d file(s) not formatted", unformatted)
	}
	if unformatted == 0 {
		pterm.Info.Printfln("All %d file(s) are properly formatted.", len(files))
	}
	return nil
}

// findStackFiles walks dir for YAML and PKL files, skipping hidden
// directories such as .lakestack and .git.
func findStackFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		switch filepath.Ext(path) {
		case ".yaml", ".yml", ".pkl":
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func formatStack(path string, data []byte) ([]byte, error) {
	if filepath.Ext(path) == ".pkl" {
		return []byte(formatPkl(string(data))), nil
	}
	out, err := formatYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to format %s: %w", path, err)
	}
	return out, nil
}

// formatYAML re-encodes a YAML document with two-space indentation.
func formatYAML(data []byte) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind == 0 {
		return data, nil
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// formatPkl applies basic formatting rules to PKL content.
func formatPkl(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	result := strings.Join(lines, "\n")

	if !strings.HasSuffix(result, "\n") {
		result += "\n"
	}
	for strings.Contains(result, "\n\n\n") {
		result = strings.ReplaceAll(result, "\n\n\n", "\n\n")
	}
	return result
}
