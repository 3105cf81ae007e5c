// Package courses is the course platform API client built on the upload
// dispatcher.
package courses

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coursehub/coursehub/pkg/attachments"
	"github.com/coursehub/coursehub/pkg/correlation"
	"github.com/coursehub/coursehub/pkg/logger"
	"github.com/coursehub/coursehub/pkg/upload"
)

const (
	component = "courses"

	CreateCoursePath = "/api/v1/course/create-course"
	CreateLessonPath = "/api/v1/lesson/addlesson"
	coursePath       = "/api/v1/course/"
)

// Course form attachment fields.
const (
	FieldCourseSubtitles = "subtitleFileUploads"
	FieldCourseThumbnail = "thumbnailFileUpload"
	FieldCourseVideo     = "videoFileUpload"

	FieldLessonSubtitles = "subtitleFiles"
	FieldLessonThumbnail = "thumbnailFile"
	FieldLessonVideo     = "videoFile"
)

var (
	SubtitleExtensions  = []string{".srt", ".vtt", ".sbv"}
	ThumbnailExtensions = []string{".jpg", ".jpeg", ".png"}
	VideoExtensions     = []string{".mp4", ".avi", ".mov"}
)

var ErrNotFound = errors.New("course not found")

// CourseSlots returns an empty attachment set for a course submission.
func CourseSlots() *attachments.Set {
	return attachments.NewSet(
		attachments.Slot{Field: FieldCourseSubtitles, Multi: true, Extensions: SubtitleExtensions},
		attachments.Slot{Field: FieldCourseThumbnail, Extensions: ThumbnailExtensions},
		attachments.Slot{Field: FieldCourseVideo, Extensions: VideoExtensions},
	)
}

func LessonSlots() *attachments.Set {
	return attachments.NewSet(
		attachments.Slot{Field: FieldLessonThumbnail, Extensions: ThumbnailExtensions},
		attachments.Slot{Field: FieldLessonSubtitles, Multi: true, Extensions: SubtitleExtensions},
		attachments.Slot{Field: FieldLessonVideo, Extensions: VideoExtensions},
	)
}

type Client struct {
	uploads *upload.Dispatcher
}

func NewClient(d *upload.Dispatcher) *Client {
	return &Client{uploads: d}
}

// CreateCourse submits a course with its media. id must be the connection id
// of the channel the caller is watching for progress.
func (c *Client) CreateCourse(ctx context.Context, form CourseForm, files *attachments.Set, id correlation.ConnectionID) (*Course, *upload.Result, error) {
	req := upload.Request{
		Endpoint: CreateCoursePath,
		Fields: []upload.Field{
			{Name: "name", Value: form.Name},
			{Name: "price", Value: formatPrice(form.Price)},
			{Name: "courseDescription", Value: form.Description},
			{Name: "courseTopicId", Value: form.CourseTopicID},
		},
		ConnectionID: id,
		Correlated:   true,
	}
	withFiles(&req, files)

	var course Course
	res, err := c.uploads.Submit(ctx, req, &course)
	if err != nil {
		return nil, res, err
	}
	logger.InfoCF(component, "Course created", map[string]interface{}{
		"course_id": course.ID,
		"name":      course.Name,
	})
	return &course, res, nil
}

// CreateLesson submits a lesson. Lesson uploads are not correlated with a
// progress channel.
func (c *Client) CreateLesson(ctx context.Context, form LessonForm, files *attachments.Set) (*Lesson, *upload.Result, error) {
	dateRelease := ""
	if !form.DateRelease.IsZero() {
		dateRelease = form.DateRelease.Format("2006-01-02")
	}
	req := upload.Request{
		Endpoint: CreateLessonPath,
		Fields: []upload.Field{
			{Name: "name", Value: form.Name},
			{Name: "lessonIndex", Value: strconv.Itoa(form.LessonIndex)},
			{Name: "dateRelease", Value: dateRelease},
			{Name: "isPublic", Value: strconv.FormatBool(form.IsPublic)},
			{Name: "description", Value: form.Description},
			{Name: "courseId", Value: form.CourseID},
		},
	}
	withFiles(&req, files)

	var lesson Lesson
	res, err := c.uploads.Submit(ctx, req, &lesson)
	if err != nil {
		return nil, res, err
	}
	return &lesson, res, nil
}

// GetCourse fetches a course descriptor by id.
func (c *Client) GetCourse(ctx context.Context, id string) (*Course, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("course id is required")
	}

	r := c.uploads.Client().R().
		SetContext(ctx).
		SetHeader("Accept", "application/json")
	if err := c.uploads.Authorize(r); err != nil {
		return nil, err
	}
	resp, err := r.Get(coursePath + url.PathEscape(id))
	if err != nil {
		return nil, fmt.Errorf("get course %s: %w", id, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case !resp.IsSuccess():
		return nil, fmt.Errorf("get course %s: unexpected status %s", id, resp.Status())
	}

	var course Course
	if err := json.Unmarshal(resp.Body(), &course); err != nil {
		return nil, fmt.Errorf("decode course %s: %w", id, err)
	}
	return &course, nil
}

func withFiles(req *upload.Request, files *attachments.Set) {
	if files == nil {
		return
	}
	req.Attachments = files.All()
	req.MultiFields = files.MultiFields()
}
