package volcengine

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/CaoMeiYouRen/momei-speech/domain/entities"
)

//go:embed voices.yaml
var voicesYAML []byte

var (
	catalogOnce sync.Once
	catalog     []entities.Voice
	catalogErr  error
)

type voiceCatalog struct {
	Voices []entities.Voice `yaml:"voices"`
}

// parseVoices decodes a voice catalog document
func parseVoices(data []byte) ([]entities.Voice, error) {
	var doc voiceCatalog
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse voice catalog: %w", err)
	}

	seen := make(map[string]bool, len(doc.Voices))
	for _, v := range doc.Voices {
		if v.ID == "" {
			return nil, fmt.Errorf("voice catalog entry %q has no id", v.Name)
		}
		if seen[v.ID] {
			return nil, fmt.Errorf("duplicate voice id %q", v.ID)
		}
		seen[v.ID] = true
	}
	return doc.Voices, nil
}

// Voices returns a copy of the embedded voice catalog
func Voices() []entities.Voice {
	catalogOnce.Do(func() {
		catalog, catalogErr = parseVoices(voicesYAML)
	})
	if catalogErr != nil {
		panic(catalogErr)
	}

	out := make([]entities.Voice, len(catalog))
	copy(out, catalog)
	return out
}

// LookupVoice finds a catalog voice by id
func LookupVoice(id string) (entities.Voice, bool) {
	for _, v := range Voices() {
		if v.ID == id {
			return v, true
		}
	}
	return entities.Voice{}, false
}
