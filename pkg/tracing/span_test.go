package tracing

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestChildSpansInheritTraceID(t *testing.T) {
	ctx, root := StartSpan(context.Background(), "buy_chunks", "req-1")
	_, child := StartChildSpan(ctx, "fetch_keys")
	child.SetAttr("custodian", "0xabc")
	child.EndErr(errors.New("mismatch"))
	root.End()

	if child.TraceID != "req-1" {
		t.Errorf("child trace id = %q", child.TraceID)
	}
	if len(root.Children) != 1 {
		t.Fatalf("children = %d, want 1", len(root.Children))
	}

	var buf bytes.Buffer
	root.Log(slog.New(slog.NewTextHandler(&buf, nil)))
	out := buf.String()
	for _, want := range []string{"span=buy_chunks", "span=fetch_keys", "custodian=0xabc", "error=mismatch"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestSpanFromEmptyContext(t *testing.T) {
	if SpanFromContext(context.Background()) != nil {
		t.Error("expected nil span")
	}
}
