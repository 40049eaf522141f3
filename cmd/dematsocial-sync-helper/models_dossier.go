// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The dematsocial-sync-helper service.
package main

import (
	"encoding/json"
	"fmt"
	"time"
)

//
// Dossier models for data returned by the Démat Social GraphQL API.
//

// Dossier is one submission with its full champ tree.
type Dossier struct {
	ID                       string    `json:"id"`
	Number                   int64     `json:"number"`
	State                    string    `json:"state"`
	DateDepot                time.Time `json:"dateDepot"`
	DateDerniereModification time.Time `json:"dateDerniereModification"`
	Usager                   Usager    `json:"usager"`
	Demandeur                Demandeur `json:"demandeur"`
	Champs                   Champs    `json:"champs"`
}

// Usager is the account that submitted the dossier.
type Usager struct {
	Email string `json:"email"`
}

// Demandeur is the identity block filled in by the usager. Only the
// PersonnePhysique shape is used by the signalement démarche.
type Demandeur struct {
	Typename string  `json:"__typename"`
	Civilite *string `json:"civilite"`
	Nom      string  `json:"nom"`
	Prenom   string  `json:"prenom"`
	Email    *string `json:"email"`
}

// dossierCandidate is a dossier as returned by the listing query.
type dossierCandidate struct {
	ID                       string    `json:"id"`
	Number                   int64     `json:"number"`
	State                    string    `json:"state"`
	DateDepot                time.Time `json:"dateDepot"`
	DateDerniereModification time.Time `json:"dateDerniereModification"`
}

// dossierStateEnConstruction is the state of a dossier that has not been
// taken up by an instructeur yet.
const dossierStateEnConstruction = "en_construction"

// Champ is one answer of a dossier. The concrete type is selected by the
// GraphQL __typename; every kind embeds ChampBase.
type Champ interface {
	champBase() *ChampBase
}

// ChampBase holds the fields shared by every champ kind.
type ChampBase struct {
	ID          string  `json:"id"`
	Label       string  `json:"label"`
	StringValue *string `json:"stringValue"`
	Typename    string  `json:"__typename"`
}

func (b *ChampBase) champBase() *ChampBase {
	return b
}

// AddressValue is the structured value of an AddressChamp.
type AddressValue struct {
	Label          string  `json:"label"`
	Type           string  `json:"type"`
	StreetAddress  *string `json:"streetAddress"`
	StreetNumber   *string `json:"streetNumber"`
	StreetName     *string `json:"streetName"`
	PostalCode     string  `json:"postalCode"`
	CityName       string  `json:"cityName"`
	CityCode       string  `json:"cityCode"`
	DepartmentName *string `json:"departmentName"`
	DepartmentCode *string `json:"departmentCode"`
	RegionName     *string `json:"regionName"`
	RegionCode     *string `json:"regionCode"`
}

// CommuneValue is the structured value of a CommuneChamp.
type CommuneValue struct {
	Name       string  `json:"name"`
	Code       string  `json:"code"`
	PostalCode *string `json:"postalCode"`
}

// NamedCode is a name/code pair used by the territorial champ kinds.
type NamedCode struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// File is an attachment of a PieceJustificativeChamp.
type File struct {
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	ByteSize    string `json:"byteSize"`
	Checksum    string `json:"checksum"`
}

type AddressChamp struct {
	ChampBase
	Address *AddressValue `json:"address"`
}

type CarteChamp struct {
	ChampBase
}

type CheckboxChamp struct {
	ChampBase
	Checked *bool `json:"checked"`
}

type CiviliteChamp struct {
	ChampBase
	Civilite *string `json:"civilite"`
}

type CommuneChamp struct {
	ChampBase
	Commune     *CommuneValue `json:"commune"`
	Departement *NamedCode    `json:"departement"`
}

type DateChamp struct {
	ChampBase
	Date *string `json:"date"`
}

type DatetimeChamp struct {
	ChampBase
	Datetime *string `json:"datetime"`
}

type DecimalNumberChamp struct {
	ChampBase
	DecimalNumber *float64 `json:"decimalNumber"`
}

type DepartementChamp struct {
	ChampBase
	Departement *NamedCode `json:"departement"`
}

type DossierLinkChamp struct {
	ChampBase
}

type EngagementJuridiqueChamp struct {
	ChampBase
}

type EpciChamp struct {
	ChampBase
	Epci *NamedCode `json:"epci"`
}

// IntegerNumberChamp carries its value as a string since GraphQL BigInt is
// serialized that way.
type IntegerNumberChamp struct {
	ChampBase
	IntegerNumber *string `json:"integerNumber"`
}

type LinkedDropDownListChamp struct {
	ChampBase
	PrimaryValue   *string `json:"primaryValue"`
	SecondaryValue *string `json:"secondaryValue"`
}

type MultipleDropDownListChamp struct {
	ChampBase
	Values []string `json:"values"`
}

type PaysChamp struct {
	ChampBase
	Pays *NamedCode `json:"pays"`
}

type PieceJustificativeChamp struct {
	ChampBase
	Files []File `json:"files"`
}

type RNAChamp struct {
	ChampBase
}

type RNFChamp struct {
	ChampBase
}

type RegionChamp struct {
	ChampBase
	Region *NamedCode `json:"region"`
}

// RepetitionChamp holds the answers of every instance of a repeatable group.
// Child ids decode to "<instance>|<fieldKey>".
type RepetitionChamp struct {
	ChampBase
	Champs Champs `json:"champs"`
}

type SiretChamp struct {
	ChampBase
}

type TextChamp struct {
	ChampBase
}

type TitreIdentiteChamp struct {
	ChampBase
}

// champKinds maps every supported __typename to a constructor.
var champKinds = map[string]func() Champ{
	"AddressChamp":              func() Champ { return &AddressChamp{} },
	"CarteChamp":                func() Champ { return &CarteChamp{} },
	"CheckboxChamp":             func() Champ { return &CheckboxChamp{} },
	"CiviliteChamp":             func() Champ { return &CiviliteChamp{} },
	"CommuneChamp":              func() Champ { return &CommuneChamp{} },
	"DateChamp":                 func() Champ { return &DateChamp{} },
	"DatetimeChamp":             func() Champ { return &DatetimeChamp{} },
	"DecimalNumberChamp":        func() Champ { return &DecimalNumberChamp{} },
	"DepartementChamp":          func() Champ { return &DepartementChamp{} },
	"DossierLinkChamp":          func() Champ { return &DossierLinkChamp{} },
	"EngagementJuridiqueChamp":  func() Champ { return &EngagementJuridiqueChamp{} },
	"EpciChamp":                 func() Champ { return &EpciChamp{} },
	"IntegerNumberChamp":        func() Champ { return &IntegerNumberChamp{} },
	"LinkedDropDownListChamp":   func() Champ { return &LinkedDropDownListChamp{} },
	"MultipleDropDownListChamp": func() Champ { return &MultipleDropDownListChamp{} },
	"PaysChamp":                 func() Champ { return &PaysChamp{} },
	"PieceJustificativeChamp":   func() Champ { return &PieceJustificativeChamp{} },
	"RNAChamp":                  func() Champ { return &RNAChamp{} },
	"RNFChamp":                  func() Champ { return &RNFChamp{} },
	"RegionChamp":               func() Champ { return &RegionChamp{} },
	"RepetitionChamp":           func() Champ { return &RepetitionChamp{} },
	"SiretChamp":                func() Champ { return &SiretChamp{} },
	"TextChamp":                 func() Champ { return &TextChamp{} },
	"TitreIdentiteChamp":        func() Champ { return &TitreIdentiteChamp{} },
}

// isKnownChampKind reports whether typename is a supported champ kind.
func isKnownChampKind(typename string) bool {
	_, ok := champKinds[typename]
	return ok
}

// decodeChamp decodes one champ, dispatching on its __typename. Unknown kinds
// are an error.
func decodeChamp(data []byte) (Champ, error) {
	var head struct {
		ID       string `json:"id"`
		Typename string `json:"__typename"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to unmarshal champ: %w", err)
	}

	newChamp, ok := champKinds[head.Typename]
	if !ok {
		return nil, &UnknownChampKindError{Typename: head.Typename, ChampID: head.ID}
	}

	champ := newChamp()
	if err := json.Unmarshal(data, champ); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s %s: %w", head.Typename, head.ID, err)
	}
	return champ, nil
}

// Champs is a list of champs of mixed kinds.
type Champs []Champ

// UnmarshalJSON implements custom unmarshaling to decode each champ into its
// concrete kind.
func (c *Champs) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	champs := make(Champs, 0, len(raw))
	for _, item := range raw {
		champ, err := decodeChamp(item)
		if err != nil {
			return err
		}
		champs = append(champs, champ)
	}
	*c = champs
	return nil
}
