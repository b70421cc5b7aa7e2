package config_test

import (
	"errors"
	"testing"

	"github.com/lovenote-ai/lovenote/internal/config"
	"github.com/lovenote-ai/lovenote/pkg/provider/llm"
	llmmock "github.com/lovenote-ai/lovenote/pkg/provider/llm/mock"
	"github.com/lovenote-ai/lovenote/pkg/provider/stt"
	sttmock "github.com/lovenote-ai/lovenote/pkg/provider/stt/mock"
	"github.com/lovenote-ai/lovenote/pkg/provider/tts"
	ttsmock "github.com/lovenote-ai/lovenote/pkg/provider/tts/mock"
)

func TestRegistry_CreateUnregistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	_, err := reg.CreateSTT(config.ProviderEntry{Name: "deepgram"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSTT error = %v, want ErrProviderNotRegistered", err)
	}
	_, err = reg.CreateTTS(config.ProviderEntry{Name: "elevenlabs"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateTTS error = %v, want ErrProviderNotRegistered", err)
	}
	_, err = reg.CreateLLM(config.ProviderEntry{Name: "openai"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLLM error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_RegisterAndCreate(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var gotEntry config.ProviderEntry
	reg.RegisterSTT("fake", func(entry config.ProviderEntry) (stt.Provider, error) {
		gotEntry = entry
		return &sttmock.Provider{}, nil
	})
	reg.RegisterTTS("fake", func(config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{}, nil
	})
	reg.RegisterLLM("fake", func(config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})

	entry := config.ProviderEntry{Name: "fake", APIKey: "key", Model: "m1"}
	p, err := reg.CreateSTT(entry)
	if err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if p == nil {
		t.Fatal("CreateSTT returned nil provider")
	}
	if gotEntry.APIKey != "key" || gotEntry.Model != "m1" {
		t.Errorf("factory received entry %+v, want APIKey=key Model=m1", gotEntry)
	}

	if _, err := reg.CreateTTS(config.ProviderEntry{Name: "fake"}); err != nil {
		t.Fatalf("CreateTTS: %v", err)
	}
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "fake"}); err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
}

func TestRegistry_FactoryOverwrite(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	reg.RegisterLLM("fake", func(config.ProviderEntry) (llm.Provider, error) {
		return nil, errors.New("first")
	})
	reg.RegisterLLM("fake", func(config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})

	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "fake"}); err != nil {
		t.Fatalf("expected second registration to win, got error: %v", err)
	}
}
