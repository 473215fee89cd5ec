package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fishmmo/zonegrid/internal/metadata"
	"github.com/fishmmo/zonegrid/internal/metadata/keys"
)

// Assignments manages CharacterSceneAssignment rows. The broker writes one
// immediately before redirecting a character; the worker reads it when the
// character arrives.
type Assignments struct {
	meta  metadata.MetadataStore
	clock Clock
}

// SetCharacterScene records where a character is being routed.
func (a *Assignments) SetCharacterScene(ctx context.Context, asg CharacterSceneAssignment) error {
	if asg.CharacterID <= 0 {
		return fmt.Errorf("%w: character id %d", ErrInvalidRecord, asg.CharacterID)
	}
	if asg.AssignedAtMs == 0 {
		asg.AssignedAtMs = a.clock.Now().UnixMilli()
	}
	data, err := json.Marshal(asg)
	if err != nil {
		return fmt.Errorf("registry: marshal assignment: %w", err)
	}
	if _, err := a.meta.Put(ctx, keys.CharacterSceneKeyPath(asg.CharacterID), data); err != nil {
		return fmt.Errorf("registry: set assignment: %w", err)
	}
	return nil
}

// GetCharacterScene returns a character's assignment or ErrAssignmentNotFound.
func (a *Assignments) GetCharacterScene(ctx context.Context, characterID int64) (*CharacterSceneAssignment, error) {
	var asg CharacterSceneAssignment
	_, ok, err := getJSON(ctx, a.meta, keys.CharacterSceneKeyPath(characterID), &asg)
	if err != nil {
		return nil, fmt.Errorf("registry: get assignment: %w", err)
	}
	if !ok {
		return nil, ErrAssignmentNotFound
	}
	return &asg, nil
}

// ClearCharacterScene removes a character's assignment.
func (a *Assignments) ClearCharacterScene(ctx context.Context, characterID int64) error {
	if err := a.meta.Delete(ctx, keys.CharacterSceneKeyPath(characterID)); err != nil {
		return fmt.Errorf("registry: clear assignment: %w", err)
	}
	return nil
}
