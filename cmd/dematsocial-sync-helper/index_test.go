// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The dematsocial-sync-helper service.
package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeChampID(t *testing.T) {
	tests := []struct {
		name     string
		id       string
		expected string
		wantErr  bool
	}{
		{name: "padded", id: "Q2hhbXAtNDAwMQ==", expected: "Champ-4001"},
		{name: "unpadded", id: "Q2hhbXAtNDAwMQ", expected: "Champ-4001"},
		{name: "surrounding spaces", id: " Q2hhbXAtNDAwMQ== ", expected: "Champ-4001"},
		{name: "repetition child", id: "MHxDaGFtcC00NTAx", expected: "0|Champ-4501"},
		{name: "empty", id: "  ", wantErr: true},
		{name: "not base64", id: "Champ-4001!", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := decodeChampID(tt.id)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, key)
			assert.Equal(t, tt.expected, mustDecode(t, encodeChampID(key)))
		})
	}
}

func mustDecode(t *testing.T, id string) string {
	t.Helper()
	key, err := decodeChampID(id)
	require.NoError(t, err)
	return key
}

func TestSplitInstanceKey(t *testing.T) {
	tests := []struct {
		key      string
		instance int
		fieldKey string
		wantErr  bool
	}{
		{key: "0|Champ-4501", instance: 0, fieldKey: "Champ-4501"},
		{key: "12|Champ-4536", instance: 12, fieldKey: "Champ-4536"},
		{key: "Champ-4501", wantErr: true},
		{key: "x|Champ-4501", wantErr: true},
		{key: "-1|Champ-4501", wantErr: true},
		{key: "3|", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			instance, fieldKey, err := splitInstanceKey(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.instance, instance)
			assert.Equal(t, tt.fieldKey, fieldKey)
		})
	}
}

func TestIndexChamps(t *testing.T) {
	first := &TextChamp{ChampBase: testBase("Champ-4002", "TextChamp", strPtr("01 02 03 04 05"))}
	second := &TextChamp{ChampBase: testBase("Champ-4011", "TextChamp", strPtr("Martin"))}

	idx, err := indexChamps([]Champ{first, second})
	require.NoError(t, err)
	assert.Len(t, idx, 2)
	assert.Same(t, first, idx["Champ-4002"])
	assert.Same(t, second, idx["Champ-4011"])

	_, err = indexChamps([]Champ{&TextChamp{ChampBase: ChampBase{ID: "", Label: "Téléphone", Typename: "TextChamp"}}})
	var mappingErr *ChampMappingError
	require.ErrorAs(t, err, &mappingErr)
	assert.Equal(t, "Téléphone", mappingErr.Field)
}

func TestSplitRepetition(t *testing.T) {
	lieuSecond := &TextChamp{ChampBase: testBase("10|Champ-4501", "TextChamp", strPtr("Domicile"))}
	lieuFirst := &TextChamp{ChampBase: testBase("2|Champ-4501", "TextChamp", strPtr("Pendant un transport"))}
	commentFirst := &TextChamp{ChampBase: testBase("2|Champ-4536", "TextChamp", strPtr("Premier"))}

	// Instance 10 comes first in the payload and sorts after instance 2.
	instances, err := splitRepetition([]Champ{lieuSecond, lieuFirst, commentFirst})
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Same(t, lieuFirst, instances[0]["Champ-4501"])
	assert.Same(t, commentFirst, instances[0]["Champ-4536"])
	assert.Same(t, lieuSecond, instances[1]["Champ-4501"])

	instances, err = splitRepetition(nil)
	require.NoError(t, err)
	assert.Empty(t, instances)

	_, err = splitRepetition([]Champ{&TextChamp{ChampBase: testBase("Champ-4501", "TextChamp", nil)}})
	var mappingErr *ChampMappingError
	assert.ErrorAs(t, err, &mappingErr)
}

func TestDecodeChamp(t *testing.T) {
	champ, err := decodeChamp([]byte(`{"__typename":"CheckboxChamp","id":"Q2hhbXAtNDAwMQ==","checked":true,"stringValue":"Oui"}`))
	require.NoError(t, err)
	checkbox, ok := champ.(*CheckboxChamp)
	require.True(t, ok)
	assert.Equal(t, boolPtr(true), checkbox.Checked)
	assert.Equal(t, "Q2hhbXAtNDAwMQ==", checkbox.ID)

	_, err = decodeChamp([]byte(`{"__typename":"SignatureChamp","id":"Q2hhbXAtOTk5OQ=="}`))
	var kindErr *UnknownChampKindError
	require.ErrorAs(t, err, &kindErr)
	assert.Equal(t, "SignatureChamp", kindErr.Typename)
	assert.Equal(t, errorTypeUnknownChampKind, classifyError(err))

	_, err = decodeChamp([]byte(`{"__typename":"CheckboxChamp","checked":"yes"}`))
	assert.Error(t, err)
}
