package signal

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sigscan/sigscan/core"
)

// signatureSeparator joins the signal tokens of a signature. It is chosen to
// never appear inside a type, value, or parameter token.
const signatureSeparator = "+!"

// Signature builds the canonical identity of a signal combination on a
// timeframe. The same set of specs always yields the same string regardless
// of input order, so signatures can be compared and de-duplicated directly.
//
// Format: TF:{timeframe}|{type}:{value}[{k=v,...}] sorted and joined by "+!".
// The parameter block is omitted for signals without parameters.
func Signature(timeframe string, specs []core.SignalSpec) string {
	tokens := make([]string, 0, len(specs))
	for _, spec := range specs {
		tokens = append(tokens, Token(spec))
	}
	sort.Strings(tokens)
	return "TF:" + timeframe + "|" + strings.Join(tokens, signatureSeparator)
}

// Token renders the canonical form of a single signal, the unit the
// signature is assembled from
func Token(spec core.SignalSpec) string {
	if len(spec.Parameters) == 0 {
		return spec.Type + ":" + spec.Value
	}

	keys := make([]string, 0, len(spec.Parameters))
	for k := range spec.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(spec.Type)
	b.WriteByte(':')
	b.WriteString(spec.Value)
	b.WriteByte('[')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(formatParam(spec.Parameters[k]))
	}
	b.WriteByte(']')
	return b.String()
}

// formatParam renders parameter values without a trailing fraction for whole
// numbers, so 14 and 14.0 produce identical signatures.
func formatParam(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
