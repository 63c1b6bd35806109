package progress

import (
	"testing"
)

func TestDisabledBarIsNoop(t *testing.T) {
	bar := New(10, "test", false)
	bar.Track(3, 10)
	bar.SetPercent(50)
	bar.Stop()

	if bar.pb != nil {
		t.Fatal("disabled bar must not start a printer")
	}
}

func TestEmptyBarIsDisabled(t *testing.T) {
	bar := New(0, "test", true)
	if bar.enabled {
		t.Fatal("bar without work must be disabled")
	}
	bar.Track(1, 1)
	bar.Stop()
}
