package queue

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

// Typed operation parameters. Jobs carry parameters as a free-form JSON
// object; these structs give each operation a schema that is validated at
// creation time and decoded again by the worker at dispatch time.

// CaptureFrameParams configures capture_frame.
type CaptureFrameParams struct {
	// Timestamp is the frame position, HH:MM:SS.
	Timestamp string `mapstructure:"timestamp" validate:"required,datetime=15:04:05"`
	// Quality is the WebP quality, 0-100.
	Quality int `mapstructure:"quality" validate:"gte=0,lte=100"`
}

// ExtractAudioParams configures extract_audio.
type ExtractAudioParams struct {
	// Quality is the MP3 VBR quality, 0-9, lower is better.
	Quality int `mapstructure:"quality" validate:"gte=0,lte=9"`
}

// CutAudioParams configures cut_audio.
type CutAudioParams struct {
	StartTime string `mapstructure:"start_time" validate:"required,datetime=15:04:05"`
	EndTime   string `mapstructure:"end_time" validate:"required,datetime=15:04:05"`
}

// ConcatAudiosParams configures concat_audios.
type ConcatAudiosParams struct {
	// InputFiles is the ordered list of audio paths to join.
	InputFiles []string `mapstructure:"input_files" validate:"required,min=1,dive,required"`
}

// ThreadedParams configures compress_video and convert_mp4.
type ThreadedParams struct {
	// MaxThreads bounds the encoder thread count; 0 means auto-detect.
	MaxThreads int `mapstructure:"max_threads" validate:"gte=0"`
}

var paramsValidator = validator.New()

// decodeParams decodes a raw parameters map into out (a pointer to one of the
// typed parameter structs) and validates it.
func decodeParams(raw map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true, // JSON numbers arrive as float64
	})
	if err != nil {
		return fmt.Errorf("failed to build parameter decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	if err := paramsValidator.Struct(out); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

// DecodeCaptureFrameParams decodes and validates capture_frame parameters,
// applying the default quality.
func DecodeCaptureFrameParams(raw map[string]any) (CaptureFrameParams, error) {
	p := CaptureFrameParams{Quality: 85}
	err := decodeParams(raw, &p)
	return p, err
}

// DecodeExtractAudioParams decodes and validates extract_audio parameters,
// applying the default quality.
func DecodeExtractAudioParams(raw map[string]any) (ExtractAudioParams, error) {
	p := ExtractAudioParams{Quality: 2}
	err := decodeParams(raw, &p)
	return p, err
}

// DecodeCutAudioParams decodes and validates cut_audio parameters.
func DecodeCutAudioParams(raw map[string]any) (CutAudioParams, error) {
	var p CutAudioParams
	err := decodeParams(raw, &p)
	return p, err
}

// DecodeConcatAudiosParams decodes and validates concat_audios parameters.
func DecodeConcatAudiosParams(raw map[string]any) (ConcatAudiosParams, error) {
	var p ConcatAudiosParams
	err := decodeParams(raw, &p)
	return p, err
}

// DecodeThreadedParams decodes and validates compress_video/convert_mp4
// parameters, applying the default thread count.
func DecodeThreadedParams(raw map[string]any) (ThreadedParams, error) {
	p := ThreadedParams{MaxThreads: 4}
	err := decodeParams(raw, &p)
	return p, err
}

// ValidateParams checks the raw parameters object against the schema for the
// given job type. Called at job creation so bad parameters fail fast instead
// of at the head of the queue.
func ValidateParams(t Type, raw map[string]any) error {
	var err error
	switch t {
	case TypeGetMetadata:
		// no parameters
	case TypeCaptureFrame:
		_, err = DecodeCaptureFrameParams(raw)
	case TypeExtractAudio:
		_, err = DecodeExtractAudioParams(raw)
	case TypeCutAudio:
		_, err = DecodeCutAudioParams(raw)
	case TypeConcatAudios:
		_, err = DecodeConcatAudiosParams(raw)
	case TypeCompressVideo, TypeConvertMP4:
		_, err = DecodeThreadedParams(raw)
	default:
		err = fmt.Errorf("unsupported job type: %s", t)
	}
	return err
}
