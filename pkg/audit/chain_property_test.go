package audit

import (
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/wardenhq/warden/pkg/compliance"
	"github.com/wardenhq/warden/pkg/kms"
)

// Any sequence of successful appends yields a valid chain whose checked
// count equals the number of appends.
func TestChainValidForAnyAppendSequence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("verify holds after N appends", prop.ForAll(
		func(actions []string) bool {
			dir := t.TempDir()
			provider, err := kms.NewLocalProvider(filepath.Join(dir, "ks.json"))
			if err != nil {
				return false
			}
			s, err := NewStore(Options{Dir: dir}, compliance.NewMode(compliance.LevelStaging, nil), kms.NewManager(provider), nil)
			if err != nil {
				return false
			}
			defer s.Close()

			for _, action := range actions {
				if _, err := s.Append(Actor{Subject: "prop"}, action, "", map[string]any{"a": action}, ""); err != nil {
					return false
				}
			}

			result, err := s.VerifyChain()
			if err != nil {
				return false
			}
			return result.Valid && result.EntriesChecked == len(actions)
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
