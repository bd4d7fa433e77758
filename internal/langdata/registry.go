package langdata

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const trainedDataExt = ".traineddata"

// InvalidLanguageError reports a language code that is not in the static
// catalog. This is a client error: the code itself is unknown, regardless of
// what files exist on disk.
type InvalidLanguageError struct {
	Code string
}

func (e *InvalidLanguageError) Error() string {
	return fmt.Sprintf("invalid language %q", e.Code)
}

// AssetMissingError reports a cataloged language whose trained-data file is
// absent from the data directory. This is an operator error, not a client one.
type AssetMissingError struct {
	Code string
	Path string
}

func (e *AssetMissingError) Error() string {
	return fmt.Sprintf("trained data for language %q not found at %s", e.Code, e.Path)
}

// Model identifies one trained-data file: a plain language (eng.traineddata)
// or a variant inside a per-language subdirectory (chi_sim/fast.traineddata).
type Model struct {
	Language string `json:"language"`
	Variant  string `json:"model,omitempty"`
	Path     string `json:"-"`

	// TrainedData is the path relative to the data directory without the
	// .traineddata extension; it is the string the engine loads.
	TrainedData string `json:"trainedData"`
}

// Registry resolves language codes to trained-data files under a single data
// directory. Catalog validation happens before any filesystem access.
type Registry struct {
	dataPath        string
	defaultLanguage string
}

// NewRegistry creates a registry rooted at dataPath.
func NewRegistry(dataPath, defaultLanguage string) *Registry {
	return &Registry{dataPath: dataPath, defaultLanguage: defaultLanguage}
}

// DefaultLanguage returns the configured default language code.
func (r *Registry) DefaultLanguage() string { return r.defaultLanguage }

// DataPath returns the trained-data directory.
func (r *Registry) DataPath() string { return r.dataPath }

// Resolve maps a language code to its trained-data file. Returns
// InvalidLanguageError for codes outside the catalog and AssetMissingError
// for cataloged codes with no file on disk.
func (r *Registry) Resolve(code string) (Model, error) {
	return r.ResolveVariant(code, "")
}

// ResolveVariant resolves a language code with an optional model variant
// living in a per-language subdirectory.
func (r *Registry) ResolveVariant(code, variant string) (Model, error) {
	if !InCatalog(code) {
		return Model{}, &InvalidLanguageError{Code: code}
	}
	trainedData := code
	if variant != "" {
		trainedData = code + "/" + variant
	}
	path := filepath.Join(r.dataPath, filepath.FromSlash(trainedData)+trainedDataExt)
	if _, err := os.Stat(path); err != nil {
		return Model{}, &AssetMissingError{Code: code, Path: path}
	}
	return Model{Language: code, Variant: variant, Path: path, TrainedData: trainedData}, nil
}

// ResolveAll validates and resolves every code eagerly; the first failure
// aborts the whole request so a doomed composite request never reaches the
// engine pool.
func (r *Registry) ResolveAll(codes []string, variant string) ([]Model, error) {
	// Catalog validation for the full set comes first: an unknown sub-code
	// fails before any file is checked.
	for _, code := range codes {
		if !InCatalog(code) {
			return nil, &InvalidLanguageError{Code: code}
		}
	}
	resolved := make([]Model, 0, len(codes))
	for i, code := range codes {
		v := ""
		if i == 0 {
			v = variant
		}
		m, err := r.ResolveVariant(code, v)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, m)
	}
	return resolved, nil
}

// CheckDefault verifies the default language's trained data exists. Called
// once at startup; the health probe reports degraded while it fails.
func (r *Registry) CheckDefault() error {
	_, err := r.Resolve(r.defaultLanguage)
	return err
}

// Available enumerates every trained-data file under the data directory.
// Files at the top level are plain languages; files one level down are model
// variants of the language named by their directory. Hidden files are
// skipped. The result is sorted by language then variant.
func (r *Registry) Available() ([]Model, error) {
	var found []Model
	root := filepath.Clean(r.dataPath)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && path != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			// Depth limit: the data directory and one level of language
			// subdirectories.
			if rel, _ := filepath.Rel(root, path); strings.Count(rel, string(filepath.Separator)) >= 1 {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(name, trainedDataExt) {
			return nil
		}
		base := strings.TrimSuffix(name, trainedDataExt)
		rel, _ := filepath.Rel(root, path)
		trainedData := strings.TrimSuffix(filepath.ToSlash(rel), trainedDataExt)
		if dir := filepath.Dir(rel); dir != "." {
			found = append(found, Model{Language: filepath.Base(dir), Variant: base, Path: path, TrainedData: trainedData})
		} else {
			found = append(found, Model{Language: base, Path: path, TrainedData: trainedData})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan trained data directory: %w", err)
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].Language != found[j].Language {
			return found[i].Language < found[j].Language
		}
		return found[i].Variant < found[j].Variant
	})
	return found, nil
}
