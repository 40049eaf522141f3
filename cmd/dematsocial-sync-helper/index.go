// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The dematsocial-sync-helper service.
package main

import (
	"slices"
)

// submissionIndex maps decoded champ keys to the champ answering them, for
// one dossier or one instance of a repeatable group.
type submissionIndex map[string]Champ

// indexChamps decodes the id of every champ and indexes it by decoded key.
// Duplicate keys are not expected from the API; the last one wins.
func indexChamps(champs []Champ) (submissionIndex, error) {
	idx := make(submissionIndex, len(champs))
	for _, champ := range champs {
		base := champ.champBase()
		key, err := decodeChampID(base.ID)
		if err != nil {
			return nil, &ChampMappingError{Field: base.Label, Kind: base.Typename, Reason: err.Error()}
		}
		idx[key] = champ
	}
	return idx, nil
}

// splitRepetition buckets the children of a repetition champ by instance
// index and returns one index per instance, keyed by the plain field key.
// Instances are ordered by their index, not by position in the payload.
// An instance without answers does not appear in the result.
func splitRepetition(champs []Champ) ([]submissionIndex, error) {
	buckets := make(map[int]submissionIndex)
	for _, champ := range champs {
		base := champ.champBase()
		key, err := decodeChampID(base.ID)
		if err != nil {
			return nil, &ChampMappingError{Field: base.Label, Kind: base.Typename, Reason: err.Error()}
		}
		instance, fieldKey, err := splitInstanceKey(key)
		if err != nil {
			return nil, &ChampMappingError{Field: base.Label, Kind: base.Typename, Reason: err.Error()}
		}

		bucket, ok := buckets[instance]
		if !ok {
			bucket = make(submissionIndex)
			buckets[instance] = bucket
		}
		bucket[fieldKey] = champ
	}

	instances := make([]int, 0, len(buckets))
	for instance := range buckets {
		instances = append(instances, instance)
	}
	slices.Sort(instances)

	indexes := make([]submissionIndex, 0, len(instances))
	for _, instance := range instances {
		indexes = append(indexes, buckets[instance])
	}
	return indexes, nil
}
