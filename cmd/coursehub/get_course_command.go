package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/coursehub/coursehub/pkg/courses"
)

func newGetCourseCommand(ctx *commandContext) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "get-course <id>",
		Short: "Show a course",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			course, err := ctx.courseClient(cfg).GetCourse(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if raw && len(course.Raw) > 0 {
				var v any
				if err := json.Unmarshal(course.Raw, &v); err != nil {
					return err
				}
				return writeJSON(cmd, v)
			}

			renderCourse(cmd.OutOrStdout(), course)
			return nil
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "Print the API response as returned")
	return cmd
}

func renderCourse(out io.Writer, course *courses.Course) {
	fmt.Fprintf(out, "ID:          %s\n", course.ID)
	fmt.Fprintf(out, "Name:        %s\n", course.Name)
	fmt.Fprintf(out, "Price:       %g\n", course.Price)
	if course.CourseTopicID != "" {
		fmt.Fprintf(out, "Topic:       %s\n", course.CourseTopicID)
	}
	if course.CourseDescription != "" {
		fmt.Fprintf(out, "Description: %s\n", course.CourseDescription)
	}
	if course.ThumbnailURL != "" {
		fmt.Fprintf(out, "Thumbnail:   %s\n", course.ThumbnailURL)
	}

	if st := course.Streaming; st != nil {
		fmt.Fprintln(out, "Streaming:")
		for _, row := range [][2]string{
			{"DASH CSF", st.URLStreamDashCsf},
			{"DASH CMAF", st.URLStreamDashCmaf},
			{"Smooth", st.URLSmoothStreaming},
			{"PlayReady", st.PlayReadyURLLicenseServer},
			{"Widevine", st.WidevineURLLicenseServer},
		} {
			if row[1] != "" {
				fmt.Fprintf(out, "  %-10s %s\n", row[0]+":", row[1])
			}
		}
	}

	if len(course.Subtitles) > 0 {
		fmt.Fprintln(out, "Subtitles:")
		for _, sub := range course.Subtitles {
			lang := sub.Language
			if lang == "" {
				lang = "-"
			}
			fmt.Fprintf(out, "  [%s] %s %s\n", sub.CourseSubtitleID, lang, sub.URLSubtitle)
		}
	}
}
