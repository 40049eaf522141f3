// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The dematsocial-sync-helper service.
package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func datePtr(year int, month time.Month, day int) *time.Time {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestMapDossier_Fixture(t *testing.T) {
	cat := testCatalog(t)
	d := loadFixtureDossier(t, 0)

	c, err := mapDossier(cat, d.Champs, d.Number, d.DateDepot, identityFromDossier(d))
	require.NoError(t, err)

	assert.Equal(t, int64(12345), c.ExternalID)
	assert.Equal(t, receptionTypeFormulaire, c.ReceptionTypeID)
	assert.Equal(t, "2025-09-01", c.CatalogVersion)
	assert.True(t, c.ReceptionDate.Equal(time.Date(2025, 9, 3, 8, 15, 0, 0, time.UTC)))

	// The demandeur reports for someone else.
	assert.Equal(t, Declarant{
		Identity: Identity{
			CiviliteID: strPtr("M"),
			Nom:        strPtr("Durand"),
			Prenom:     strPtr("Paul"),
			Email:      strPtr("paul.durand@example.org"),
			Telephone:  strPtr("06 12 34 56 78"),
		},
		EstVictime:         false,
		LienVictimeID:      strPtr("MEMBRE_FAMILLE"),
		VeutGarderAnonymat: boolPtr(true),
	}, c.Declarant)

	require.NotNil(t, c.Participant)
	assert.Equal(t, &Participant{
		Identity: Identity{
			CiviliteID: strPtr("MME"),
			Nom:        strPtr("Martin"),
			Prenom:     strPtr("Jeanne"),
		},
		AgeID:        strPtr(">=80"),
		EstHandicape: boolPtr(false),
		Adresse: &Address{
			Label:      "12 Rue de la Paix 75002 Paris",
			Numero:     "12",
			Rue:        "Rue de la Paix",
			CodePostal: "75002",
			Ville:      "Paris",
		},
		EstInformee: boolPtr(false),
	}, c.Participant)

	require.Len(t, c.Situations, 3)

	primary := c.Situations[0]
	assert.Equal(t, LieuDeSurvenue{
		LieuTypeID: strPtr("ETABLISSEMENT_PERSONNES_AGEES"),
		CodePostal: strPtr("69001"),
		Commune:    strPtr("Lyon"),
		CodeInsee:  strPtr("69123"),
		Finess:     strPtr("690000001"),
	}, primary.LieuDeSurvenue)
	assert.Equal(t, MisEnCause{
		TypeID:       strPtr("PROFESSIONNEL_SANTE"),
		ProfessionID: strPtr("INFIRMIER"),
	}, primary.MisEnCause)
	assert.Equal(t, DemarchesEngagees{
		TypeIDs:               []string{"CONTACT_RESPONSABLES", "PLAINTE"},
		DateContact:           datePtr(2025, 8, 20),
		EtablissementARepondu: boolPtr(true),
		DatePlainte:           datePtr(2025, 8, 25),
		AutoriteID:            strPtr("GENDARMERIE"),
	}, primary.DemarchesEngagees)
	require.Len(t, primary.Faits, 1)
	assert.Equal(t, Fait{
		MotifIDs:            []string{"PROBLEME_QUALITE_SOINS"},
		ConsequenceIDs:      []string{"SANTE_PHYSIQUE", "SANTE_MENTALE"},
		MaltraitanceTypeIDs: []string{"NEGLIGENCES"},
		DateDebut:           datePtr(2025, 8, 1),
		Commentaire:         strPtr("Manque de soins répétés"),
		Fichiers: []AttachedFile{{
			Filename:    "photo.jpg",
			URL:         "https://files.example.org/photo.jpg",
			ContentType: "image/jpeg",
			ByteSize:    20480,
			Checksum:    "q1w2e3==",
		}},
	}, primary.Faits[0])

	// Repetition instances come in instance order, not payload order.
	first := c.Situations[1]
	assert.Equal(t, strPtr("TRAJET"), first.LieuDeSurvenue.LieuTypeID)
	assert.Equal(t, strPtr("Ambulance de nuit"), first.LieuDeSurvenue.Precision)
	assert.Equal(t, []string{}, first.DemarchesEngagees.TypeIDs)
	require.Len(t, first.Faits, 1)
	assert.Equal(t, []string{"NON_RESPECT_DROITS"}, first.Faits[0].MotifIDs)
	assert.Equal(t, datePtr(2025, 7, 14), first.Faits[0].DateDebut)
	assert.Equal(t, []AttachedFile{}, first.Faits[0].Fichiers)

	second := c.Situations[2]
	assert.Equal(t, strPtr("DOMICILE"), second.LieuDeSurvenue.LieuTypeID)
	assert.Equal(t, strPtr("MEMBRE_FAMILLE"), second.MisEnCause.TypeID)
	require.Len(t, second.Faits, 1)
	assert.Equal(t, []string{"AUTRE"}, second.Faits[0].MotifIDs)
	assert.Equal(t, strPtr("Second fait"), second.Faits[0].Commentaire)
}

func TestMapDossier_DeclarantIsVictim(t *testing.T) {
	cat := testCatalog(t)
	champs := []Champ{
		&CheckboxChamp{ChampBase: testBase("Champ-4001", "CheckboxChamp", strPtr("Oui")), Checked: boolPtr(true)},
		&TextChamp{ChampBase: testBase("Champ-4003", "TextChamp", strPtr("Entre 30 et 59 ans"))},
		&TextChamp{ChampBase: testBase("Champ-4004", "TextChamp", strPtr("Oui"))},
		&TextChamp{ChampBase: testBase("Champ-4006", "TextChamp", strPtr("Voisin"))},
		&TextChamp{ChampBase: testBase("Champ-4011", "TextChamp", strPtr("Ignored"))},
	}
	identity := declarantIdentity{Nom: strPtr("Petit"), Civilite: strPtr("mme")}

	c, err := mapDossier(cat, champs, 42, time.Now(), identity)
	require.NoError(t, err)

	assert.Nil(t, c.Participant)
	assert.True(t, c.Declarant.EstVictime)
	assert.Equal(t, strPtr("MME"), c.Declarant.CiviliteID)
	assert.Equal(t, strPtr("Petit"), c.Declarant.Nom)
	assert.Equal(t, strPtr("30-59"), c.Declarant.AgeID)
	assert.Equal(t, boolPtr(true), c.Declarant.EstHandicape)
	// Relation to the victim only applies when reporting for someone else.
	assert.Nil(t, c.Declarant.LienVictimeID)
	require.Len(t, c.Situations, 1)
	assert.Equal(t, []string{}, c.Situations[0].Faits[0].MotifIDs)
}

func TestMapDossier_MissingVictimAnswerMeansReportingForSomeoneElse(t *testing.T) {
	cat := testCatalog(t)

	c, err := mapDossier(cat, nil, 42, time.Now(), declarantIdentity{})
	require.NoError(t, err)

	assert.False(t, c.Declarant.EstVictime)
	require.NotNil(t, c.Participant)
	assert.Equal(t, Participant{}, *c.Participant)
	assert.Len(t, c.Situations, 1)
}

func TestMapDossier_Errors(t *testing.T) {
	cat := testCatalog(t)

	tests := []struct {
		name    string
		champs  []Champ
		errType string
	}{
		{
			name: "unknown motif in a repetition instance",
			champs: []Champ{&RepetitionChamp{
				ChampBase: testBase("Champ-4500", "RepetitionChamp", nil),
				Champs: Champs{&MultipleDropDownListChamp{
					ChampBase: testBase("0|Champ-4531", "MultipleDropDownListChamp", nil),
					Values:    []string{"Motif inconnu"},
				}},
			}},
			errType: errorTypeEnumNotFound,
		},
		{
			name: "repetition child without instance prefix",
			champs: []Champ{&RepetitionChamp{
				ChampBase: testBase("Champ-4500", "RepetitionChamp", nil),
				Champs:    Champs{&TextChamp{ChampBase: testBase("Champ-4501", "TextChamp", strPtr("Domicile"))}},
			}},
			errType: errorTypeChampMapping,
		},
		{
			name:    "autres faits is not a repetition",
			champs:  []Champ{&TextChamp{ChampBase: testBase("Champ-4500", "TextChamp", strPtr("1"))}},
			errType: errorTypeChampMapping,
		},
		{
			name:    "undecodable champ id",
			champs:  []Champ{&TextChamp{ChampBase: ChampBase{ID: "%%%", Typename: "TextChamp"}}},
			errType: errorTypeChampMapping,
		},
		{
			name:    "answer kind differs from the catalog",
			champs:  []Champ{&DateChamp{ChampBase: testBase("Champ-4102", "DateChamp", nil), Date: strPtr("2025-09-01")}},
			errType: errorTypeChampMapping,
		},
		{
			name: "unmatched boolean",
			champs: []Champ{
				&TextChamp{ChampBase: testBase("Champ-4303", "TextChamp", strPtr("Je ne sais pas"))},
			},
			errType: errorTypeChampMapping,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mapDossier(cat, tt.champs, 42, time.Now(), declarantIdentity{})
			require.Error(t, err)
			assert.Equal(t, tt.errType, classifyError(err))
		})
	}
}

func TestIdentityFromDossier(t *testing.T) {
	d := &Dossier{
		Usager: Usager{Email: "account@example.org"},
		Demandeur: Demandeur{
			Typename: "PersonnePhysique",
			Civilite: strPtr("M"),
			Nom:      " Durand ",
			Prenom:   "",
			Email:    strPtr("contact@example.org"),
		},
	}

	identity := identityFromDossier(d)
	assert.Equal(t, strPtr("Durand"), identity.Nom)
	assert.Nil(t, identity.Prenom)
	assert.Equal(t, strPtr("contact@example.org"), identity.Email)

	d.Demandeur.Email = nil
	assert.Equal(t, strPtr("account@example.org"), identityFromDossier(d).Email)
}
