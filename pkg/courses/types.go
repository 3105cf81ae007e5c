package courses

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ID is a resource identifier. The API sends numeric ids; older endpoints
// send strings. Both decode to the same text form.
type ID string

func (id ID) String() string { return string(id) }

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*id = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a number or string, got %s", data)
	}
	*id = ID(n.String())
	return nil
}

// StreamingDto holds the packaged stream and license endpoints of a course
// video once processing has finished.
type StreamingDto struct {
	URLStreamDashCsf          string `json:"urlStreamDashCsf,omitempty"`
	URLStreamDashCmaf         string `json:"urlStreamDashCmaf,omitempty"`
	URLSmoothStreaming        string `json:"urlSmoothStreaming,omitempty"`
	PlayReadyURLLicenseServer string `json:"playReadyUrlLicenseServer,omitempty"`
	WidevineURLLicenseServer  string `json:"widevineUrlLicenseServer,omitempty"`
}

type SubtitleDto struct {
	CourseSubtitleID ID     `json:"courseSubtitleId"`
	Language         string `json:"language"`
	URLSubtitle      string `json:"urlSubtitle"`
}

// Course is the descriptor the API returns for a created or fetched course.
// The full response body is kept in Raw.
type Course struct {
	ID                ID            `json:"courseId"`
	Name              string        `json:"courseName"`
	Price             float64       `json:"price"`
	CourseDescription string        `json:"courseDescription"`
	CourseTopicID     ID            `json:"courseTopicId"`
	ThumbnailURL      string        `json:"thumbnailUrl,omitempty"`
	Streaming         *StreamingDto `json:"streamingDto,omitempty"`
	Subtitles         []SubtitleDto `json:"subtitleDtos,omitempty"`

	Raw json.RawMessage `json:"-"`
}

func (c *Course) UnmarshalJSON(data []byte) error {
	type plain Course
	var p struct {
		plain
		AltID   ID     `json:"id"`
		AltName string `json:"name"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Course(p.plain)
	if c.ID == "" {
		c.ID = p.AltID
	}
	if c.Name == "" {
		c.Name = p.AltName
	}
	c.Raw = append(json.RawMessage(nil), data...)
	return nil
}

type Lesson struct {
	ID           ID     `json:"id"`
	Name         string `json:"name"`
	LessonIndex  int    `json:"lessonIndex"`
	DateRelease  string `json:"dateRelease"`
	IsPublic     bool   `json:"isPublic"`
	Description  string `json:"description"`
	CourseID     ID     `json:"courseId"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	VideoURL     string `json:"videoUrl,omitempty"`
}

// CourseForm holds the scalar fields of a course submission.
type CourseForm struct {
	Name          string
	Price         float64
	Description   string
	CourseTopicID string
}

type LessonForm struct {
	Name        string
	LessonIndex int
	DateRelease time.Time
	IsPublic    bool
	Description string
	CourseID    string
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}
