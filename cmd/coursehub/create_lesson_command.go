package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/coursehub/coursehub/pkg/courses"
	"github.com/coursehub/coursehub/pkg/history"
	"github.com/coursehub/coursehub/pkg/logger"
)

func newCreateLessonCommand(ctx *commandContext) *cobra.Command {
	var form courses.LessonForm
	var release string
	var thumbnail, video string
	var subtitles []string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "create-lesson",
		Short: "Add a lesson to an existing course",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if release != "" {
				form.DateRelease, err = time.Parse("2006-01-02", release)
				if err != nil {
					return fmt.Errorf("invalid --release %q: %w", release, err)
				}
			}

			files := courses.LessonSlots()
			if thumbnail != "" {
				if err := files.AddFile(courses.FieldLessonThumbnail, thumbnail); err != nil {
					return fmt.Errorf("thumbnail: %w", err)
				}
			}
			if video != "" {
				if err := files.AddFile(courses.FieldLessonVideo, video); err != nil {
					return fmt.Errorf("video: %w", err)
				}
			}
			for _, path := range subtitles {
				if err := files.AddFile(courses.FieldLessonSubtitles, path); err != nil {
					return fmt.Errorf("subtitle: %w", err)
				}
			}

			journal, err := ctx.historyStore(cfg)
			if err != nil {
				return err
			}
			rec := history.Record{
				Endpoint:    courses.CreateLessonPath,
				Attachments: len(files.All()),
				Bytes:       files.TotalSize(),
				StartedAt:   time.Now().UTC(),
			}
			lesson, _, err := ctx.courseClient(cfg).CreateLesson(cmd.Context(), form, files)
			rec.DurationMS = time.Since(rec.StartedAt).Milliseconds()
			finishRecord(&rec, err)
			if lesson != nil {
				rec.ResourceID = lesson.ID.String()
			}
			if _, jerr := journal.Add(rec); jerr != nil {
				logger.WarnCF("cli", "Could not record submission", map[string]interface{}{
					"error": jerr.Error(),
				})
			}
			if err != nil {
				return err
			}

			if jsonOut {
				return writeJSON(cmd, lesson)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created lesson %s (%s) in course %s\n", lesson.ID, lesson.Name, lesson.CourseID)
			return nil
		},
	}

	cmd.Flags().StringVar(&form.Name, "name", "", "Lesson name")
	cmd.Flags().IntVar(&form.LessonIndex, "index", 0, "Lesson position within the course")
	cmd.Flags().StringVar(&release, "release", "", "Release date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&form.IsPublic, "public", false, "Make the lesson public")
	cmd.Flags().StringVar(&form.Description, "description", "", "Lesson description")
	cmd.Flags().StringVar(&form.CourseID, "course", "", "Course id")
	cmd.Flags().StringVar(&thumbnail, "thumbnail", "", "Thumbnail image (.jpg, .jpeg, .png)")
	cmd.Flags().StringVar(&video, "video", "", "Video file (.mp4, .avi, .mov)")
	cmd.Flags().StringArrayVar(&subtitles, "subtitle", nil, "Subtitle file (.srt, .vtt, .sbv); repeatable")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the created lesson as JSON")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("course")

	return cmd
}
