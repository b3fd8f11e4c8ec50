package middleware

import (
	"fmt"
	"net/http"

	"github.com/go-viper/mapstructure/v2"

	"github.com/crier-bot/crier/pkg/config"
	"github.com/crier-bot/crier/pkg/errors"
	"github.com/crier-bot/crier/pkg/networking"
)

// Deps are shared resources handed to stages that need them.
type Deps struct {
	// HTTPClient serves stages that call out (image descriptions,
	// video metadata). A default client is built when nil.
	HTTPClient *http.Client
}

func (d Deps) httpClient() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return networking.NewHttpClientBuilder().Build()
}

type factoryFunc func(name string, params map[string]any, deps Deps) (Stage, error)

var factories = map[string]factoryFunc{
	"text_transform":        newTextTransformStage,
	"filter":                newFilterStage,
	"template":              newTemplateStage,
	"command":               newCommandStage,
	"rate_limit":            newRateLimitStage,
	"schedule":              newScheduleStage,
	"conditional":           newConditionalStage,
	"attachment":            newAttachmentStage,
	"image_description":     newImageDescriptionStage,
	"url_tracking":          newURLTrackingStage,
	"youtube_shorts_filter": newYouTubeShortsFilterStage,
	"youtube_video_filter":  newYouTubeVideoFilterStage,
	"youtube_caption":       newYouTubeCaptionStage,
}

// Build constructs a pipeline from provider middleware config. Unknown
// stage types and invalid options are validation errors.
func Build(cfgs []config.MiddlewareConfig, deps Deps) (*Pipeline, error) {
	stages := make([]Stage, 0, len(cfgs))
	for _, cfg := range cfgs {
		factory, ok := factories[cfg.Type]
		if !ok {
			return nil, errors.NewValidationError(
				fmt.Sprintf("unknown middleware type %q (stage %q)", cfg.Type, cfg.Name), nil)
		}
		name := cfg.Name
		if name == "" {
			name = cfg.Type
		}
		stage, err := factory(name, cfg.Params, deps)
		if err != nil {
			return nil, errors.NewValidationError(
				fmt.Sprintf("building middleware stage %q", name), err)
		}
		stages = append(stages, stage)
	}
	return NewPipeline(stages...), nil
}

// decodeParams maps loosely-typed config params onto a stage's option
// struct. Strings decode into durations, and scalar types are coerced
// the way viper does elsewhere in the config layer.
func decodeParams(params map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("building params decoder: %w", err)
	}
	if err := decoder.Decode(params); err != nil {
		return fmt.Errorf("decoding params: %w", err)
	}
	return nil
}
