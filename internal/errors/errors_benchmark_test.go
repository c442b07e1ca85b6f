package errors

import (
	"fmt"
	"testing"
)

// BenchmarkBuildNoTelemetry measures the hot-path cost of building an error
// inside a write loop when nothing consumes it.
func BenchmarkBuildNoTelemetry(b *testing.B) {
	SetTelemetryReporter(nil)
	ClearErrorHooks()

	b.ReportAllocs()

	for b.Loop() {
		_ = New(fmt.Errorf("enqueue rejected")).
			Component("output").
			Category(CategoryBackend).
			Build()
	}
}

func BenchmarkBuildWithContext(b *testing.B) {
	SetTelemetryReporter(nil)
	ClearErrorHooks()

	b.ReportAllocs()

	for b.Loop() {
		_ = New(fmt.Errorf("enqueue rejected")).
			Component("output").
			Category(CategoryBackend).
			Context("operation", "enqueue").
			Context("slot", 3).
			Build()
	}
}

func BenchmarkBuildWithTelemetry(b *testing.B) {
	SetTelemetryReporter(&recordingReporter{enabled: false})
	AddErrorHook(func(ee *EnhancedError) { _ = scrubMessageForPrivacy(ee.Error()) })
	b.Cleanup(ClearErrorHooks)

	b.ReportAllocs()

	for b.Loop() {
		_ = New(fmt.Errorf("open device hw:1,0 failed")).
			Category(CategoryInitialization).
			Build()
	}
}

func BenchmarkPrivacyScrubbing(b *testing.B) {
	msg := "open https://api.example.com?api_key=1234567890abcdef&token=secret from /home/user/x.wav"

	b.ReportAllocs()

	for b.Loop() {
		_ = basicURLScrub(msg)
	}
}
