package repair

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/joelkehle/surveyforge/internal/repair")

// Stage names the point in the pipeline at which a candidate decoded.
type Stage string

const (
	StageDirect     Stage = "direct"
	StageNormalized Stage = "normalized"
	StageAggressive Stage = "aggressive"
	StageFailed     Stage = "failed"
)

// UnrecoverableFormatError is returned when every repair tier has been
// exhausted. Handle points at the recorded failure text.
type UnrecoverableFormatError struct {
	Kind   string
	Handle string
	Err    error
}

func (e *UnrecoverableFormatError) Error() string {
	msg := fmt.Sprintf("unrecoverable %s output", e.Kind)
	if e.Handle != "" {
		msg += " (saved to " + e.Handle + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UnrecoverableFormatError) Unwrap() error { return e.Err }

// ErrEmptyInput is wrapped by UnrecoverableFormatError when the candidate is blank.
var ErrEmptyInput = errors.New("empty candidate text")

// Engine turns raw model output into a decoded value, escalating through the
// repair tiers until one decodes.
type Engine struct {
	sink   FailureSink
	logger *zap.Logger
}

func NewEngine(sink FailureSink, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{sink: sink, logger: logger}
}

// Parse decodes raw into out. kind labels the failure dump ("survey",
// "themes", ...). The returned Stage reports which tier succeeded.
func (e *Engine) Parse(ctx context.Context, kind, raw string, out any) (Stage, error) {
	_, span := tracer.Start(ctx, "repair.Parse")
	defer span.End()
	span.SetAttributes(attribute.String("repair.kind", kind), attribute.Int("repair.input_len", len(raw)))

	stage, err := e.parse(raw, out)
	span.SetAttributes(attribute.String("repair.stage", string(stage)))
	if err == nil {
		if stage != StageDirect {
			e.logger.Info("repaired model output", zap.String("kind", kind), zap.String("stage", string(stage)))
		}
		return stage, nil
	}

	handle := ""
	if e.sink != nil {
		h, sinkErr := e.sink.Record(kind, raw)
		if sinkErr != nil {
			e.logger.Warn("record parse failure", zap.String("kind", kind), zap.Error(sinkErr))
		} else {
			handle = h
		}
	}
	uerr := &UnrecoverableFormatError{Kind: kind, Handle: handle, Err: err}
	span.RecordError(uerr)
	span.SetStatus(codes.Error, "unrecoverable")
	e.logger.Warn("unrecoverable model output", zap.String("kind", kind), zap.String("dump", handle), zap.Error(err))
	return StageFailed, uerr
}

func (e *Engine) parse(raw string, out any) (Stage, error) {
	if strings.TrimSpace(raw) == "" {
		return StageFailed, ErrEmptyInput
	}
	span := ExtractSpan(raw)
	if err := decode(span, out); err == nil {
		return StageDirect, nil
	}
	normalized := Normalize(span)
	if err := decode(normalized, out); err == nil {
		return StageNormalized, nil
	}
	err := decode(AggressiveRepair(normalized), out)
	if err == nil {
		return StageAggressive, nil
	}
	return StageFailed, err
}

// decode unmarshals text into out, resetting out to its zero value when the
// decode fails part-way.
func decode(text string, out any) error {
	err := json.Unmarshal([]byte(text), out)
	if err != nil {
		if v := reflect.ValueOf(out); v.Kind() == reflect.Pointer && !v.IsNil() {
			v.Elem().Set(reflect.Zero(v.Elem().Type()))
		}
	}
	return err
}
