package model

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
)

// ErrInvalidSettings is returned when settings fail validation.
var ErrInvalidSettings = eris.New("invalid chat settings")

// ChatSettings configures retrieval and generation on the backend. The
// struct is comparable so draft and committed copies compare with !=.
type ChatSettings struct {
	UseOpenAI    bool   `json:"useOpenAI" yaml:"use_openai" mapstructure:"use_openai"`
	TopK         int    `json:"topK" yaml:"top_k" mapstructure:"top_k" validate:"min=2,max=8"`
	ChunkSize    int    `json:"chunkSize" yaml:"chunk_size" mapstructure:"chunk_size" validate:"min=300,max=1500"`
	ChunkOverlap int    `json:"chunkOverlap" yaml:"chunk_overlap" mapstructure:"chunk_overlap" validate:"min=0,max=300,ltfield=ChunkSize"`
	ModelName    string `json:"modelName" yaml:"model_name" mapstructure:"model_name" validate:"required"`
	EmbedModel   string `json:"embedModel" yaml:"embed_model" mapstructure:"embed_model" validate:"required"`
}

// DefaultSettings mirrors the initial settings of a new session.
func DefaultSettings() ChatSettings {
	return ChatSettings{
		UseOpenAI:    true,
		TopK:         4,
		ChunkSize:    900,
		ChunkOverlap: 120,
		ModelName:    "gpt-4o-mini",
		EmbedModel:   "text-embedding-3-small",
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the recognized bounds: topK in [2,8], chunkSize in
// [300,1500], chunkOverlap in [0,300] and below chunkSize.
func (s ChatSettings) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return eris.Wrap(err, "model: validate settings")
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return eris.Wrap(ErrInvalidSettings, strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "min":
		return fe.Field() + " must be at least " + fe.Param()
	case "max":
		return fe.Field() + " must be at most " + fe.Param()
	case "ltfield":
		return fe.Field() + " must be less than " + fe.Param()
	case "required":
		return fe.Field() + " is required"
	default:
		return fe.Field() + " failed " + fe.Tag()
	}
}
