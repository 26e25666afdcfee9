// Package catalog is the static model catalogue. Content is fixed at
// compile time and never mutated at runtime; every lookup is a pure
// function over the tables below.
package catalog

import "errors"

var ErrUnknownModel = errors.New("unknown model id")

type Provider string

const (
	ProviderOpenAI      Provider = "OpenAI"
	ProviderGroq        Provider = "Groq"
	ProviderMistral     Provider = "Mistral"
	ProviderAnthropic   Provider = "Anthropic"
	ProviderGemini      Provider = "Gemini"
	ProviderCohere      Provider = "Cohere"
	ProviderXAI         Provider = "xAI"
	ProviderSelfHosted  Provider = "You"
	ProviderHuggingface Provider = "Huggingface"
	ProviderReplicate   Provider = "Replicate"
	ProviderFAL         Provider = "FAL"
	ProviderOpenRouter  Provider = "OpenRouter"
)

type Modality string

const (
	ModalityText         Modality = "text"
	ModalityTextToImage  Modality = "text-to-image"
	ModalityImageToImage Modality = "image-to-image"
	ModalityImageToVideo Modality = "image-to-video"
	ModalityTextToSpeech Modality = "text-to-speech"
)

type ModelDescriptor struct {
	ID       string
	Name     string
	Usecase  string
	Provider Provider
	Modality Modality
	Free     bool
	Tags     []string
}

var textModels = []ModelDescriptor{
	{ID: "llama-3.2-90b-vision-preview", Name: "Llama 3.2 90b", Usecase: "One of the best, censors some things", Provider: ProviderGroq, Modality: ModalityText, Free: true, Tags: []string{"Free", "Fast", "Quality"}},
	{ID: "llama3-groq-70b-8192-tool-use-preview", Name: "Llama3 70b", Usecase: "Good quality, sometimes stupid", Provider: ProviderGroq, Modality: ModalityText, Free: true, Tags: []string{"Free", "Fast"}},
	{ID: "grok-beta", Name: "Grok", Usecase: "Allrounder, low quality sometimes", Provider: ProviderXAI, Modality: ModalityText, Free: true, Tags: []string{"Free", "Fast"}},
	{ID: "open-mistral-nemo", Name: "Nemo", Usecase: "Fast", Provider: ProviderMistral, Modality: ModalityText, Free: true, Tags: []string{"Free", "Fast"}},
	{ID: "gemma2-9b-it", Name: "Gemma 2 9b", Usecase: "Experimental", Provider: ProviderGroq, Modality: ModalityText, Free: true, Tags: []string{"Free", "New", "Fast"}},
	{ID: "claude-3-5-sonnet-latest", Name: "Claude Sonnet", Usecase: "Best model out there, expensive", Provider: ProviderAnthropic, Modality: ModalityText, Tags: []string{"Quality"}},
	{ID: "claude-3-5-haiku-latest", Name: "Claude Haiku", Usecase: "Much cheaper than Sonnet, still good", Provider: ProviderAnthropic, Modality: ModalityText, Tags: []string{"Quality", "Fast"}},
	{ID: "gpt-4o-mini", Name: "GPT-4o Mini", Usecase: "Unbeatable price, incredibly accurate", Provider: ProviderOpenAI, Modality: ModalityText, Tags: []string{"Quality", "Fast"}},
	{ID: "gpt-4o", Name: "GPT-4o", Usecase: "Incredibly accurate", Provider: ProviderOpenAI, Modality: ModalityText, Tags: []string{"Quality", "Fast"}},
	{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", Provider: ProviderOpenAI, Modality: ModalityText, Tags: []string{"Quality", "Fast"}},
	{ID: "o1-preview", Name: "o1", Usecase: "Unbelievable quality", Provider: ProviderOpenAI, Modality: ModalityText, Tags: []string{"Quality"}},
	{ID: "o1-mini", Name: "o1 Mini", Usecase: "Very good quality for lower cost", Provider: ProviderOpenAI, Modality: ModalityText, Tags: []string{"Quality", "Fast"}},
	{ID: "gemini-1.5-flash", Name: "Gemini Flash", Usecase: "Very fast", Provider: ProviderGemini, Modality: ModalityText, Tags: []string{"Quality", "Fast"}},
	{ID: "gemini-1.5-pro", Name: "Gemini Pro", Usecase: "Fast, high quality", Provider: ProviderGemini, Modality: ModalityText, Tags: []string{"Fast"}},
	{ID: "command-r-plus", Name: "Command R Plus", Usecase: "Fast, high quality", Provider: ProviderCohere, Modality: ModalityText, Tags: []string{"Quality"}},
	{ID: "command-r", Name: "Command R", Provider: ProviderCohere, Modality: ModalityText, Tags: []string{"Cheap", "Fast"}},
	{ID: "c4ai-aya-expanse-32b", Name: "Aya Expanse 32b", Provider: ProviderCohere, Modality: ModalityText, Tags: []string{"Fast", "Old"}},
	{ID: "ollama", Name: "Ollama", Usecase: "Best privacy, since you control it", Provider: ProviderSelfHosted, Modality: ModalityText},
	{ID: "openrouter", Name: "OpenRouter", Usecase: "Depends on your model", Provider: ProviderOpenRouter, Modality: ModalityText},
	{ID: "openai-compatible", Name: "Your openAI model", Usecase: "Depends on your model", Provider: ProviderSelfHosted, Modality: ModalityText},
}

var imageModels = []ModelDescriptor{
	{ID: "black-forest-labs/FLUX.1-schnell", Name: "Flux Schnell", Provider: ProviderHuggingface, Modality: ModalityTextToImage},
	{ID: "black-forest-labs/flux-schnell", Name: "Flux Schnell", Provider: ProviderReplicate, Modality: ModalityTextToImage},
	{ID: "zsxkib/pulid:43d309c37ab4e62361e5e29b8e9e867fb2dcbcec77ae91206a8d95ac5dd451a0", Name: "Pulid", Provider: ProviderReplicate, Modality: ModalityImageToImage},
}

var videoModels = []ModelDescriptor{
	{ID: "fal-ai/ltx-video/image-to-video", Name: "LTX image to video", Provider: ProviderFAL, Modality: ModalityImageToVideo},
	{ID: "xtts-v2", Name: "XTTS v2", Provider: ProviderReplicate, Modality: ModalityTextToSpeech},
}

var byID = func() map[string]ModelDescriptor {
	m := make(map[string]ModelDescriptor)
	for _, set := range [][]ModelDescriptor{textModels, imageModels, videoModels} {
		for _, d := range set {
			m[d.ID] = d
		}
	}
	return m
}()

// ListModels returns the text-completion catalogue in declaration order.
func ListModels() []ModelDescriptor {
	out := make([]ModelDescriptor, len(textModels))
	copy(out, textModels)
	return out
}

func ListImageModels() []ModelDescriptor {
	out := make([]ModelDescriptor, len(imageModels))
	copy(out, imageModels)
	return out
}

func ListVideoModels() []ModelDescriptor {
	out := make([]ModelDescriptor, len(videoModels))
	copy(out, videoModels)
	return out
}

func Lookup(modelID string) (ModelDescriptor, error) {
	d, ok := byID[modelID]
	if !ok {
		return ModelDescriptor{}, ErrUnknownModel
	}
	return d, nil
}

// IsFreeModel reports whether the platform subsidizes usage of the model,
// making it usable without a profile-supplied credential.
func IsFreeModel(modelID string) bool {
	d, ok := byID[modelID]
	return ok && d.Free
}

// ProviderOf resolves the provider family serving a model id.
func ProviderOf(modelID string) (Provider, error) {
	d, ok := byID[modelID]
	if !ok {
		return "", ErrUnknownModel
	}
	return d.Provider, nil
}
