package model

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttributesValidate(t *testing.T) {
	assert.NoError(t, Attributes{"city": "Tehran", "plan_tier": "gold"}.Validate())
	assert.Error(t, Attributes{"City": "x"}.Validate())
	assert.Error(t, Attributes{"1st": "x"}.Validate())
	assert.Error(t, Attributes{"bio": strings.Repeat("x", MaxAttributeValueBytes+1)}.Validate())

	many := Attributes{}
	for i := 0; i <= MaxAttributes; i++ {
		many[fmt.Sprintf("k%d", i)] = "v"
	}
	assert.Error(t, many.Validate())
}

func TestMessageMetadataRoundTripThroughColumn(t *testing.T) {
	in := MessageMetadata{CampaignID: "spring", Tags: []string{"promo"}, Attributes: Attributes{"segment": "vip"}}
	v, err := in.Value()
	require.NoError(t, err)

	var out MessageMetadata
	require.NoError(t, out.Scan(v))
	assert.Equal(t, in, out)

	var empty MessageMetadata
	require.NoError(t, empty.Scan(nil))
	assert.Equal(t, MessageMetadata{}, empty)
}
