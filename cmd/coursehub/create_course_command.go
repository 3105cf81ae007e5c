package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coursehub/coursehub/pkg/attachments"
	"github.com/coursehub/coursehub/pkg/bus"
	"github.com/coursehub/coursehub/pkg/config"
	"github.com/coursehub/coursehub/pkg/correlation"
	"github.com/coursehub/coursehub/pkg/courses"
	"github.com/coursehub/coursehub/pkg/history"
	"github.com/coursehub/coursehub/pkg/logger"
	"github.com/coursehub/coursehub/pkg/upload"
)

type courseOptions struct {
	form           courses.CourseForm
	thumbnail      string
	video          string
	subtitles      []string
	connectTimeout time.Duration
	await          time.Duration
	jsonOut        bool
}

func newCreateCourseCommand(ctx *commandContext) *cobra.Command {
	var opts courseOptions

	cmd := &cobra.Command{
		Use:   "create-course",
		Short: "Create a course and follow its media processing progress",
		Long: `Open the progress channel, wait for its connection id, then upload the
course with that id in the Connection-Id header and stream processing events.

The upload is only sent once a connection id exists. If the progress hub is
unreachable, or returns no id within --connect-timeout, the course is not
created and the command exits with the connection error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return runCreateCourse(cmd, ctx, cfg, opts)
		},
	}

	cmd.Flags().StringVar(&opts.form.Name, "name", "", "Course name")
	cmd.Flags().Float64Var(&opts.form.Price, "price", 0, "Course price")
	cmd.Flags().StringVar(&opts.form.Description, "description", "", "Course description")
	cmd.Flags().StringVar(&opts.form.CourseTopicID, "topic", "", "Course topic id")
	cmd.Flags().StringVar(&opts.thumbnail, "thumbnail", "", "Thumbnail image (.jpg, .jpeg, .png)")
	cmd.Flags().StringVar(&opts.video, "video", "", "Video file (.mp4, .avi, .mov)")
	cmd.Flags().StringArrayVar(&opts.subtitles, "subtitle", nil, "Subtitle file (.srt, .vtt, .sbv); repeatable")
	cmd.Flags().DurationVar(&opts.connectTimeout, "connect-timeout", 20*time.Second, "How long to wait for the progress channel")
	cmd.Flags().DurationVar(&opts.await, "await", 0, "Keep watching for the processing result after the upload returns")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print the created course as JSON")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func collectCourseFiles(opts courseOptions) (*attachments.Set, error) {
	files := courses.CourseSlots()
	if opts.thumbnail != "" {
		if err := files.AddFile(courses.FieldCourseThumbnail, opts.thumbnail); err != nil {
			return nil, fmt.Errorf("thumbnail: %w", err)
		}
	}
	if opts.video != "" {
		if err := files.AddFile(courses.FieldCourseVideo, opts.video); err != nil {
			return nil, fmt.Errorf("video: %w", err)
		}
	}
	for _, path := range opts.subtitles {
		if err := files.AddFile(courses.FieldCourseSubtitles, path); err != nil {
			return nil, fmt.Errorf("subtitle: %w", err)
		}
	}
	return files, nil
}

func runCreateCourse(cmd *cobra.Command, cctx *commandContext, cfg *config.Config, opts courseOptions) error {
	files, err := collectCourseFiles(opts)
	if err != nil {
		return err
	}
	journal, err := cctx.historyStore(cfg)
	if err != nil {
		return err
	}
	client := cctx.courseClient(cfg)

	runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := cctx.newProgressStack(cfg, false)
	if err != nil {
		return err
	}
	ctrl := stack.controller
	if err := ctrl.Start(runCtx); err != nil {
		return err
	}
	defer func() {
		_ = ctrl.Close()
		ctrl.Wait()
	}()

	renderer := newProgressRenderer(cmd.OutOrStdout())
	for _, sub := range renderer.attach(stack.aggregator) {
		defer sub.Cancel()
	}
	defer renderer.finish()
	terminal := make(chan bus.Event, 1)
	defer stack.aggregator.OnTerminal(func(e bus.Event) {
		select {
		case terminal <- e:
		default:
		}
	}).Cancel()

	readyCtx, cancelReady := context.WithTimeout(runCtx, opts.connectTimeout)
	id, err := ctrl.WaitReady(readyCtx)
	cancelReady()
	if err != nil {
		return fmt.Errorf("progress channel not ready: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Connected to progress hub (connection %s)\n", id)

	rec := history.Record{
		Endpoint:    courses.CreateCoursePath,
		Attachments: len(files.All()),
		Bytes:       files.TotalSize(),
		StartedAt:   time.Now().UTC(),
	}
	var course *courses.Course
	submitErr := ctrl.Submit(runCtx, func(ctx context.Context, id correlation.ConnectionID) error {
		rec.ConnectionID = id.String()
		rec.Epoch = stack.registry.Current().Epoch
		var err error
		course, _, err = client.CreateCourse(ctx, opts.form, files, id)
		return err
	})
	rec.DurationMS = time.Since(rec.StartedAt).Milliseconds()

	if submitErr == nil && opts.await > 0 {
		select {
		case <-terminal:
		case <-time.After(opts.await):
			fmt.Fprintln(cmd.ErrOrStderr(), "No processing result before --await elapsed")
		case <-runCtx.Done():
		}
	}

	snap := stack.aggregator.Snapshot()
	rec.LastProgress = snap.Progress
	rec.LastNotice = snap.Notice
	finishRecord(&rec, submitErr)
	if course != nil {
		rec.ResourceID = course.ID.String()
	}
	if _, err := journal.Add(rec); err != nil {
		logger.WarnCF("cli", "Could not record submission", map[string]interface{}{
			"error": err.Error(),
		})
	}

	if submitErr != nil {
		return submitErr
	}
	renderer.finish()
	if opts.jsonOut {
		return writeJSON(cmd, course)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created course %s (%s)\n", course.ID, course.Name)
	return nil
}

// finishRecord fills the outcome fields of rec from err.
func finishRecord(rec *history.Record, err error) {
	if err == nil {
		rec.Outcome = history.OutcomeOK
		return
	}
	rec.Error = err.Error()
	rec.Outcome = history.OutcomeError
	var upErr *upload.UploadError
	if errors.As(err, &upErr) && upErr.Status != 0 {
		rec.Outcome = history.OutcomeRejected
		rec.Status = upErr.Status
	}
}
