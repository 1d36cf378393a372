package diagnostics

import (
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestSink(t *testing.T) {
	s := NewSink()
	test.That(t, s.Last("open"), test.ShouldBeNil)

	s.Record("open", errors.New("device busy"))
	s.Record("lookup", errors.New("no such sensor"))

	test.That(t, s.Last("open").Error(), test.ShouldEqual, "device busy")
	test.That(t, s.Last("lookup").Error(), test.ShouldEqual, "no such sensor")

	// Only the most recent failure per scope is kept.
	s.Record("open", errors.New("device gone"))
	test.That(t, s.Last("open").Error(), test.ShouldEqual, "device gone")

	s.Clear("open")
	test.That(t, s.Last("open"), test.ShouldBeNil)
	test.That(t, s.Last("lookup"), test.ShouldNotBeNil)
}

func TestDefaultScope(t *testing.T) {
	s := NewSink()
	s.Record("", errors.New("boom"))
	test.That(t, s.Last(DefaultScope).Error(), test.ShouldEqual, "boom")
	test.That(t, s.Last("").Error(), test.ShouldEqual, "boom")
}
