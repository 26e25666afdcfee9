// Package credentials maps a (model, profile) pair to the API key a
// request must use. A profile-supplied key always wins; the platform
// default serves free-tier models only. A paid model with no profile
// key is unusable and resolves to ErrNoCredential — callers must treat
// that as a hard failure, never as an invitation to pick another model.
package credentials

import (
	"errors"
	"fmt"

	"charchat/internal/catalog"
	"charchat/internal/crypto"
	"charchat/internal/model"
)

var ErrNoCredential = errors.New("no usable credential for model")

type Source string

const (
	SourceProfile  Source = "profile"
	SourcePlatform Source = "platform"
)

type Credential struct {
	Provider catalog.Provider
	APIKey   string
	Source   Source
}

type Resolver struct {
	crypto   *crypto.Manager
	defaults map[catalog.Provider]string
}

// NewResolver builds a resolver over the given platform default keys.
// Providers absent from defaults have no free tier on this deployment.
func NewResolver(cm *crypto.Manager, defaults map[catalog.Provider]string) *Resolver {
	cp := make(map[catalog.Provider]string, len(defaults))
	for p, k := range defaults {
		if k != "" {
			cp[p] = k
		}
	}
	return &Resolver{crypto: cm, defaults: cp}
}

// Resolve decrypts and returns the credential the request must use.
// Resolution is recomputed per request; profile keys can change between
// turns and must never be cached.
func (r *Resolver) Resolve(modelID string, profile model.Profile) (Credential, error) {
	provider, err := catalog.ProviderOf(modelID)
	if err != nil {
		return Credential{}, err
	}

	sealed := profileKeyField(provider, profile)
	key, err := r.crypto.OpenOptional(sealed)
	if err != nil {
		return Credential{}, fmt.Errorf("decrypt %s credential: %w", provider, err)
	}
	if key != "" {
		return Credential{Provider: provider, APIKey: key, Source: SourceProfile}, nil
	}

	if catalog.IsFreeModel(modelID) {
		if def, ok := r.defaults[provider]; ok {
			return Credential{Provider: provider, APIKey: def, Source: SourcePlatform}, nil
		}
	}

	return Credential{}, fmt.Errorf("model %s (%s): %w", modelID, provider, ErrNoCredential)
}

// ListUsableModels filters the text catalogue to models the profile can
// actually run: free models and models the profile holds a key for.
// Read-only; powers the model picker.
func (r *Resolver) ListUsableModels(profile model.Profile) []catalog.ModelDescriptor {
	out := make([]catalog.ModelDescriptor, 0)
	for _, d := range catalog.ListModels() {
		if d.Free {
			out = append(out, d)
			continue
		}
		if _, err := r.Resolve(d.ID, profile); err == nil {
			out = append(out, d)
		}
	}
	return out
}

// HasImageCredential reports whether the profile can drive the image
// generation backends itself.
func HasImageCredential(profile model.Profile) bool {
	return notBlank(profile.HFEncryptedAPIKey) || notBlank(profile.ReplicateEncryptedAPIKey)
}

func profileKeyField(provider catalog.Provider, p model.Profile) *string {
	switch provider {
	case catalog.ProviderGroq:
		return p.GroqEncryptedAPIKey
	case catalog.ProviderOpenAI:
		return p.OpenAIEncryptedAPIKey
	case catalog.ProviderGemini:
		return p.GeminiEncryptedAPIKey
	case catalog.ProviderMistral:
		return p.MistralEncryptedAPIKey
	case catalog.ProviderAnthropic:
		return p.AnthropicEncryptedAPIKey
	case catalog.ProviderCohere:
		return p.CohereEncryptedAPIKey
	case catalog.ProviderXAI:
		return p.XAIEncryptedAPIKey
	case catalog.ProviderOpenRouter:
		return p.OpenRouterEncryptedAPIKey
	case catalog.ProviderSelfHosted:
		return p.OllamaEncryptedAPIKey
	case catalog.ProviderHuggingface:
		return p.HFEncryptedAPIKey
	case catalog.ProviderReplicate:
		return p.ReplicateEncryptedAPIKey
	default:
		return nil
	}
}

func notBlank(v *string) bool {
	return v != nil && *v != ""
}
