package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTargetRef(t *testing.T) {
	tgt := Target{Path: "/", Device: DeviceMobile}
	assert.Equal(t, "/#mobile", tgt.Ref())
}

func TestNormalizeSeverityCoercesUnknown(t *testing.T) {
	assert.Equal(t, SeverityHigh, NormalizeSeverity("high"))
	assert.Equal(t, SeverityLow, NormalizeSeverity("catastrophic"))
	assert.Equal(t, SeverityLow, NormalizeSeverity(""))
}

func TestNormalizeCategoryCoercesUnknown(t *testing.T) {
	assert.Equal(t, CategorySEO, NormalizeCategory("seo"))
	assert.Equal(t, CategoryOther, NormalizeCategory("made-up-category"))
}

func TestAuditErrorWrapUnwrap(t *testing.T) {
	root := errors.New("boom")
	err := NewAuditError(ErrKindTimeout, "/#mobile", "lighthouse", root)
	assert.Equal(t, "boom", err.Error())
	assert.True(t, errors.Is(err, root))
}

func TestExecutionContextSharedNamespacing(t *testing.T) {
	ctx := NewExecutionContext(Target{Path: "/", Device: DeviceDesktop}, "sess-1")
	ctx.SharedSet("plugin-a", "score", 42)

	v, ok := ctx.SharedGet("plugin-a", "score")
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = ctx.SharedGet("plugin-b", "score")
	assert.False(t, ok, "plugins must not see unrelated namespaces")
}
