package session

import (
	"math"
	"time"
)

// DeviceInfo describes the device a session is opened from. It is supplied
// once by the caller of StartSession and never changes afterwards.
type DeviceInfo struct {
	DeviceID   string `json:"deviceId"`
	DeviceType string `json:"deviceType"`
	IPAddress  string `json:"ipAddress"`
	Location   string `json:"location"`
}

// Metrics is one usage report. Download and Upload are byte increments
// added to the session totals; the remaining fields are point-in-time
// readings that replace the previous ones. Absent fields decode as zero.
type Metrics struct {
	Download      int64   `json:"download"`
	Upload        int64   `json:"upload"`
	DownloadSpeed float64 `json:"downloadSpeed"`
	UploadSpeed   float64 `json:"uploadSpeed"`
	Latency       float64 `json:"latency"`
	PacketLoss    float64 `json:"packetLoss"`
}

// LinkMetrics holds the last observed point-in-time readings of a session.
type LinkMetrics struct {
	DownloadSpeed float64 `json:"downloadSpeed"`
	UploadSpeed   float64 `json:"uploadSpeed"`
	Latency       float64 `json:"latency"`
	PacketLoss    float64 `json:"packetLoss"`
}

func (m Metrics) link() LinkMetrics {
	return LinkMetrics{
		DownloadSpeed: m.DownloadSpeed,
		UploadSpeed:   m.UploadSpeed,
		Latency:       m.Latency,
		PacketLoss:    m.PacketLoss,
	}
}

// Session is the registry's record of one tracked usage period.
type Session struct {
	ID          string       `json:"id"`
	UserID      string       `json:"userId"`
	DeviceID    string       `json:"deviceId"`
	DeviceType  string       `json:"deviceType"`
	IPAddress   string       `json:"ipAddress"`
	Location    string       `json:"location"`
	StartTime   time.Time    `json:"startTime"`
	Download    int64        `json:"download"`
	Upload      int64        `json:"upload"`
	LastMetrics *LinkMetrics `json:"lastMetrics,omitempty"` // nil until the first update
	ReportCount int          `json:"reportCount"`
}

// Clone returns a deep copy of the Session, duplicating pointer fields so
// the copy can be mutated independently of the original.
func (s *Session) Clone() *Session {
	c := *s
	if s.LastMetrics != nil {
		m := *s.LastMetrics
		c.LastMetrics = &m
	}
	return &c
}

// ActiveSession is a listing entry: a session snapshot plus the minutes
// elapsed since it started.
type ActiveSession struct {
	Session
	Duration int `json:"duration"`
}

// UsageRecord is the snapshot written to the Sink when a session is
// finalized. SessionDuration is in whole minutes.
type UsageRecord struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"sessionId"`
	UserID          string    `json:"userId"`
	DeviceID        string    `json:"deviceId"`
	DeviceType      string    `json:"deviceType"`
	Download        int64     `json:"download"`
	Upload          int64     `json:"upload"`
	DownloadSpeed   float64   `json:"downloadSpeed"`
	UploadSpeed     float64   `json:"uploadSpeed"`
	Latency         float64   `json:"latency"`
	PacketLoss      float64   `json:"packetLoss"`
	Location        string    `json:"location"`
	IPAddress       string    `json:"ipAddress"`
	SessionDuration int       `json:"sessionDuration"`
	StartedAt       time.Time `json:"startedAt"`
	EndedAt         time.Time `json:"endedAt"`
}

// elapsedMinutes rounds the time between start and now to the nearest minute.
func elapsedMinutes(start, now time.Time) int {
	return int(math.Round(now.Sub(start).Minutes()))
}
