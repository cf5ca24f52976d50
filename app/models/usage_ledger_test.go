package models

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUsageLedger_TopUpRefs(t *testing.T) {
	l := &UsageLedger{}
	assert.False(t, l.HasTopUpRef("pi_1"))

	l.AddTopUpRef("")
	assert.Empty(t, l.TopUpRefs)
	assert.False(t, l.HasTopUpRef(""))

	l.AddTopUpRef("pi_1")
	l.AddTopUpRef("pi_10")
	assert.True(t, l.HasTopUpRef("pi_1"))
	assert.True(t, l.HasTopUpRef("pi_10"))
	assert.False(t, l.HasTopUpRef("pi_"))
}

func TestUsageLedger_TopUpRefsBounded(t *testing.T) {
	l := &UsageLedger{}
	for i := 0; i < MaxTopUpRefs+5; i++ {
		l.AddTopUpRef(fmt.Sprintf("pi_%d", i))
	}

	assert.False(t, l.HasTopUpRef("pi_0"))
	assert.False(t, l.HasTopUpRef("pi_4"))
	assert.True(t, l.HasTopUpRef("pi_5"))
	assert.True(t, l.HasTopUpRef(fmt.Sprintf("pi_%d", MaxTopUpRefs+4)))

	c := l.Clone()
	assert.Equal(t, l.TopUpRefs, c.TopUpRefs)
}
