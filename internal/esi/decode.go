package esi

import (
	"encoding/json"
	"fmt"
	"time"
)

// StructureInfo is the payload of the citadel info resource.
type StructureInfo struct {
	Name          string `json:"name"`
	OwnerID       int64  `json:"owner_id"`
	SolarSystemID int64  `json:"solar_system_id"`
	TypeID        int64  `json:"type_id"`
}

// DecodeStructure parses a citadel info payload.
func DecodeStructure(data []byte) (StructureInfo, error) {
	var info StructureInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return StructureInfo{}, fmt.Errorf("decode structure: %w", err)
	}
	if info.Name == "" {
		return StructureInfo{}, fmt.Errorf("decode structure: missing name")
	}
	return info, nil
}

// SkillQueueEntry is one element of the skill queue payload.
type SkillQueueEntry struct {
	SkillID         int64      `json:"skill_id"`
	FinishedLevel   int        `json:"finished_level"`
	QueuePosition   int        `json:"queue_position"`
	StartDate       *time.Time `json:"start_date,omitempty"`
	FinishDate      *time.Time `json:"finish_date,omitempty"`
	TrainingStartSP int64      `json:"training_start_sp"`
	LevelStartSP    int64      `json:"level_start_sp"`
	LevelEndSP      int64      `json:"level_end_sp"`
}

// DecodeSkillQueue parses a skill queue payload.
func DecodeSkillQueue(data []byte) ([]SkillQueueEntry, error) {
	var entries []SkillQueueEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode skill queue: %w", err)
	}
	return entries, nil
}

// CharacterAttributes is the payload of the attributes resource.
type CharacterAttributes struct {
	Charisma     int `json:"charisma"`
	Intelligence int `json:"intelligence"`
	Memory       int `json:"memory"`
	Perception   int `json:"perception"`
	Willpower    int `json:"willpower"`
}

// DecodeAttributes parses an attributes payload.
func DecodeAttributes(data []byte) (CharacterAttributes, error) {
	var attrs CharacterAttributes
	if err := json.Unmarshal(data, &attrs); err != nil {
		return CharacterAttributes{}, fmt.Errorf("decode attributes: %w", err)
	}
	return attrs, nil
}
