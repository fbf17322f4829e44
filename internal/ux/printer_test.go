package ux

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrinter_PlainOutputForNonTTY(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.Step("Processing %d files", 3)
	p.Detail("a.fasta")
	p.Success("done")
	p.Warn("missing %s", "b.tsv")
	p.Error("boom")

	assert.Equal(t,
		"==> Processing 3 files\n    a.fasta\ndone\nwarning: missing b.tsv\nerror: boom\n",
		buf.String())
}

func TestPrinter_Quiet(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	p.SetQuiet(true)

	p.Step("hidden")
	p.Plain("hidden")
	p.Warn("shown")

	assert.Equal(t, "warning: shown\n", buf.String())
}

func TestPrinter_NilSafe(t *testing.T) {
	var p *Printer
	assert.NotPanics(t, func() {
		p.SetQuiet(true)
		p.Step("x")
		p.Success("x")
		p.Detail("x")
		p.Plain("x")
		p.Warn("x")
		p.Error("x")
	})
	assert.Equal(t, io.Discard, p.Writer())
}
