package server

import (
	"time"

	"fleetwatch/internal/domain"
	"fleetwatch/internal/repo"
)

// Request payloads

type CreateEquipmentRequest struct {
	ID            string     `json:"id"`
	EquipmentType string     `json:"equipment_type,omitempty"`
	Model         string     `json:"model,omitempty"`
	Section       string     `json:"section,omitempty"`
	Status        string     `json:"status" enum:"Down,Ready,Standby,Delay,Shiftchange"`
	Malfunction   string     `json:"malfunction,omitempty"`
	MechanicName  string     `json:"mechanic_name,omitempty"`
	PlannedStart  *time.Time `json:"planned_start,omitempty"`
	PlannedEnd    *time.Time `json:"planned_end,omitempty"`
	ActualStart   *time.Time `json:"actual_start,omitempty"`
	ActualEnd     *time.Time `json:"actual_end,omitempty"`
	PlannedHours  *float64   `json:"planned_hours,omitempty"`
}

type UpdateEquipmentRequest struct {
	EquipmentType *string    `json:"equipment_type,omitempty"`
	Model         *string    `json:"model,omitempty"`
	Section       *string    `json:"section,omitempty"`
	Status        *string    `json:"status,omitempty" enum:"Down,Ready,Standby,Delay,Shiftchange"`
	Malfunction   *string    `json:"malfunction,omitempty"`
	MechanicName  *string    `json:"mechanic_name,omitempty"`
	PlannedStart  *time.Time `json:"planned_start,omitempty"`
	PlannedEnd    *time.Time `json:"planned_end,omitempty"`
	ActualStart   *time.Time `json:"actual_start,omitempty"`
	ActualEnd     *time.Time `json:"actual_end,omitempty"`
	PlannedHours  *float64   `json:"planned_hours,omitempty"`
}

type LaunchRequest struct {
	CompletionReason string `json:"completion_reason,omitempty" enum:"launched,completed,cancelled,status_changed"`
}

// Responses

type EquipmentResponse struct {
	domain.EquipmentRecord
	IsActive   bool     `json:"is_active"`
	DelayHours *float64 `json:"delay_hours,omitempty"`
}

type EquipmentStatsResponse struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

type ArchivePageResponse struct {
	Items []domain.ArchiveRecord `json:"items"`
	Total int                    `json:"total"`
	Page  int                    `json:"page"`
	Limit int                    `json:"limit"`
}

type HealthResponse struct {
	Status       string     `json:"status"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
}

type ArchiveStatsResponse = repo.ArchiveStats

func equipmentResponse(rec domain.EquipmentRecord, now time.Time) EquipmentResponse {
	return EquipmentResponse{
		EquipmentRecord: rec,
		IsActive:        rec.IsActive(),
		DelayHours:      rec.DelayHours(now),
	}
}

func mapEquipment(items []domain.EquipmentRecord, now time.Time) []EquipmentResponse {
	out := make([]EquipmentResponse, 0, len(items))
	for _, rec := range items {
		out = append(out, equipmentResponse(rec, now))
	}
	return out
}

func statsResponse(counts map[domain.Status]int) EquipmentStatsResponse {
	out := EquipmentStatsResponse{ByStatus: make(map[string]int, len(counts))}
	for s, n := range counts {
		out.ByStatus[string(s)] = n
		out.Total += n
	}
	return out
}
