// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The dematsocial-sync-helper service.
package main

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// champResolver resolves semantic keys of one catalog level against the
// champs of one submission index.
type champResolver struct {
	cat *catalog
	idx submissionIndex
}

func newChampResolver(cat *catalog, idx submissionIndex) *champResolver {
	return &champResolver{cat: cat, idx: idx}
}

// lookup returns the catalog entry of key and the champ answering it, which
// is nil when the dossier has no answer for the field. An answer whose kind
// differs from the one the catalog declares is a mapping error.
func (r *champResolver) lookup(key string) (*catalogEntry, Champ, error) {
	entry := r.cat.entry(key)
	if entry == nil {
		return nil, nil, &ChampMappingError{Field: key, Reason: "field is not in the catalog"}
	}
	champ := r.idx[entry.decodedID]
	if champ != nil && !champKindMatches(entry.Kind, champ.champBase().Typename) {
		return nil, nil, mappingError(key, champ, "expected a "+entry.Kind)
	}
	return entry, champ, nil
}

// champKindMatches reports whether an answer of kind got satisfies a field
// declared as want. Date and datetime answers stand in for each other.
func champKindMatches(want, got string) bool {
	if want == got {
		return true
	}
	dates := []string{"DateChamp", "DatetimeChamp"}
	return slices.Contains(dates, want) && slices.Contains(dates, got)
}

func mappingError(key string, champ Champ, reason string) *ChampMappingError {
	e := &ChampMappingError{Field: key, Reason: reason}
	if champ != nil {
		e.Kind = champ.champBase().Typename
	}
	return e
}

// text returns the trimmed string value of a champ, or nil when it is absent
// or blank.
func (r *champResolver) text(key string) (*string, error) {
	_, champ, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	if champ == nil {
		return nil, nil
	}
	return trimmedOrNil(champ.champBase().StringValue), nil
}

// enumLenient resolves a single-select answer to its code. An absent answer
// or a label that is not in the option table resolves to nil.
func (r *champResolver) enumLenient(key string) (*string, error) {
	entry, champ, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	if len(entry.options) == 0 {
		return nil, mappingError(key, champ, "field has no option table")
	}
	if champ == nil {
		return nil, nil
	}

	value := champ.champBase().StringValue
	if c, ok := champ.(*CiviliteChamp); ok && c.Civilite != nil {
		value = c.Civilite
	}
	label := trimmedOrNil(value)
	if label == nil {
		return nil, nil
	}

	code, ok := matchOption(entry.options, *label)
	if !ok {
		logger.With("field", key, "label", *label).Debug("no code for single-select label")
		return nil, nil
	}
	return &code, nil
}

// enumStrict resolves every selected label of a multi-select answer. A label
// without a code is an EnumNotFoundError. An absent answer resolves to an
// empty list.
func (r *champResolver) enumStrict(key string) ([]string, error) {
	entry, champ, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	if len(entry.options) == 0 {
		return nil, mappingError(key, champ, "field has no option table")
	}
	codes := []string{}
	if champ == nil {
		return codes, nil
	}

	multi, ok := champ.(*MultipleDropDownListChamp)
	if !ok {
		return nil, mappingError(key, champ, "expected a MultipleDropDownListChamp")
	}

	for _, label := range multi.Values {
		if strings.TrimSpace(label) == "" {
			continue
		}
		code, ok := matchOption(entry.options, label)
		if !ok {
			return nil, &EnumNotFoundError{Field: key, Enum: entry.Enum, Label: label}
		}
		if !slices.Contains(codes, code) {
			codes = append(codes, code)
		}
	}
	return codes, nil
}

// boolean resolves a yes/no answer. A CheckboxChamp yields its native value;
// otherwise the string value is matched against the option table and the
// code parsed as a boolean. A value that matches nothing is an error.
func (r *champResolver) boolean(key string) (*bool, error) {
	entry, champ, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	if champ == nil {
		return nil, nil
	}

	if checkbox, ok := champ.(*CheckboxChamp); ok && checkbox.Checked != nil {
		checked := *checkbox.Checked
		return &checked, nil
	}

	label := trimmedOrNil(champ.champBase().StringValue)
	if label == nil {
		return nil, nil
	}
	if len(entry.options) == 0 {
		return nil, mappingError(key, champ, "boolean field has no option table")
	}

	code, ok := matchOption(entry.options, *label)
	if !ok {
		return nil, mappingError(key, champ, fmt.Sprintf("value %q matches no boolean option", *label))
	}
	value, err := strconv.ParseBool(code)
	if err != nil {
		return nil, mappingError(key, champ, fmt.Sprintf("option code %q is not a boolean", code))
	}
	return &value, nil
}

// date resolves a DateChamp or DatetimeChamp. An absent answer or value is
// nil; a value that does not parse is an error.
func (r *champResolver) date(key string) (*time.Time, error) {
	_, champ, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	if champ == nil {
		return nil, nil
	}

	var value *string
	switch c := champ.(type) {
	case *DateChamp:
		value = c.Date
	case *DatetimeChamp:
		value = c.Datetime
	default:
		return nil, mappingError(key, champ, "expected a DateChamp or DatetimeChamp")
	}

	raw := trimmedOrNil(value)
	if raw == nil {
		return nil, nil
	}
	t, err := parseChampDate(*raw)
	if err != nil {
		return nil, mappingError(key, champ, err.Error())
	}
	return &t, nil
}

// files returns the attachments of a PieceJustificativeChamp. An absent
// answer yields an empty list.
func (r *champResolver) files(key string) ([]AttachedFile, error) {
	_, champ, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	files := []AttachedFile{}
	if champ == nil {
		return files, nil
	}

	pj, ok := champ.(*PieceJustificativeChamp)
	if !ok {
		return nil, mappingError(key, champ, "expected a PieceJustificativeChamp")
	}

	for _, f := range pj.Files {
		var size int64
		if f.ByteSize != "" {
			size, err = strconv.ParseInt(f.ByteSize, 10, 64)
			if err != nil {
				return nil, mappingError(key, champ, fmt.Sprintf("invalid byte size %q for %s", f.ByteSize, f.Filename))
			}
		}
		files = append(files, AttachedFile{
			Filename:    f.Filename,
			URL:         f.URL,
			ContentType: f.ContentType,
			ByteSize:    size,
			Checksum:    f.Checksum,
		})
	}
	return files, nil
}

// address builds an Address from an AddressChamp. A partial address (missing
// label, postal code, city, street name or street number) resolves to nil.
func (r *champResolver) address(key string) (*Address, error) {
	_, champ, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	if champ == nil {
		return nil, nil
	}

	a, ok := champ.(*AddressChamp)
	if !ok {
		return nil, mappingError(key, champ, "expected an AddressChamp")
	}
	if a.Address == nil {
		return nil, nil
	}

	label := strings.TrimSpace(a.Address.Label)
	postalCode := strings.TrimSpace(a.Address.PostalCode)
	city := strings.TrimSpace(a.Address.CityName)
	streetName := trimmedOrNil(a.Address.StreetName)
	streetNumber := trimmedOrNil(a.Address.StreetNumber)
	if label == "" || postalCode == "" || city == "" || streetName == nil || streetNumber == nil {
		return nil, nil
	}

	return &Address{
		Label:      label,
		Numero:     *streetNumber,
		Rue:        *streetName,
		CodePostal: postalCode,
		Ville:      city,
	}, nil
}

// commune returns the postal code, name and INSEE code of a CommuneChamp.
func (r *champResolver) commune(key string) (postalCode, name, code *string, err error) {
	_, champ, err := r.lookup(key)
	if err != nil {
		return nil, nil, nil, err
	}
	if champ == nil {
		return nil, nil, nil, nil
	}

	c, ok := champ.(*CommuneChamp)
	if !ok {
		return nil, nil, nil, mappingError(key, champ, "expected a CommuneChamp")
	}
	if c.Commune == nil {
		return nil, nil, nil, nil
	}
	return trimmedOrNil(c.Commune.PostalCode), trimmedOrNil(&c.Commune.Name), trimmedOrNil(&c.Commune.Code), nil
}

// parseChampDate parses the date formats returned by the API.
func parseChampDate(value string) (time.Time, error) {
	formats := []string{
		"2006-01-02",
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse date: %s", value)
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
