package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"speech-to-video/internal/app"
	"speech-to-video/internal/orchestrator"
	"speech-to-video/internal/progress"
	"speech-to-video/internal/provider"
)

func init() {
	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate a video from a text prompt",
		RunE:  runGenerate,
	}
	gen.Flags().StringP("prompt", "p", "", "Text prompt (required)")
	gen.MarkFlagRequired("prompt")
	addGenerationFlags(gen)
	RootCmd.AddCommand(gen)

	s2v := &cobra.Command{
		Use:   "speech-to-video <audio-file>",
		Short: "Transcribe an audio file and generate a video from it",
		Args:  cobra.ExactArgs(1),
		RunE:  runSpeechToVideo,
	}
	s2v.Flags().StringP("prompt", "p", "", "Text prompt; when set the audio is not transcribed")
	addGenerationFlags(s2v)
	RootCmd.AddCommand(s2v)

	tr := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Print the transcript of an audio file",
		Args:  cobra.ExactArgs(1),
		RunE:  runTranscribe,
	}
	RootCmd.AddCommand(tr)
}

func addGenerationFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("duration", "t", 10, "Total video length in seconds")
	cmd.Flags().StringP("quality", "q", "medium", "Quality: high or medium")
	cmd.Flags().Bool("balanced", false, "Spread the duration evenly across segments")
	cmd.Flags().IntSlice("split", nil, "Explicit per-segment durations, e.g. 8,8,9")
	cmd.Flags().StringArray("scene", nil, "Per-segment prompt; repeat once per segment")
	cmd.Flags().String("preset", "", "Fixed request shape, e.g. ad (sets duration and scenes)")
	cmd.Flags().String("model", "", "Provider model override")
	cmd.Flags().String("resolution", "", "Provider resolution override, e.g. 720p")
	cmd.Flags().String("aspect-ratio", "", "Aspect ratio, e.g. 16:9")
	cmd.Flags().Int64("seed", 0, "Seed shared by every segment (0 picks one)")
	cmd.Flags().String("note", "", "Note stored with the auto-saved clip")
}

func requestFromFlags(cmd *cobra.Command) orchestrator.GenerationRequest {
	prompt, _ := cmd.Flags().GetString("prompt")
	duration, _ := cmd.Flags().GetInt("duration")
	quality, _ := cmd.Flags().GetString("quality")
	balanced, _ := cmd.Flags().GetBool("balanced")
	split, _ := cmd.Flags().GetIntSlice("split")
	scenes, _ := cmd.Flags().GetStringArray("scene")
	preset, _ := cmd.Flags().GetString("preset")
	model, _ := cmd.Flags().GetString("model")
	resolution, _ := cmd.Flags().GetString("resolution")
	aspect, _ := cmd.Flags().GetString("aspect-ratio")
	seed, _ := cmd.Flags().GetInt64("seed")
	note, _ := cmd.Flags().GetString("note")

	req := orchestrator.GenerationRequest{
		CallerID:    caller(),
		Prompt:      prompt,
		Duration:    duration,
		Quality:     provider.Quality(quality),
		Balanced:    balanced,
		Split:       split,
		Prompts:     scenes,
		Preset:      preset,
		Model:       model,
		Resolution:  resolution,
		AspectRatio: aspect,
		Note:        note,
	}
	if seed != 0 {
		req.Seed = &seed
	}
	return req
}

func runGenerate(cmd *cobra.Command, args []string) error {
	req := requestFromFlags(cmd)
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		return generate(ctx, a, req)
	})
}

func runSpeechToVideo(cmd *cobra.Command, args []string) error {
	req := requestFromFlags(cmd)
	req.AudioPath = args[0]
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		return generate(ctx, a, req)
	})
}

// generate runs req in the background, drawing progress on stderr, and prints the
// result. A failed generation is printed and then returned as an error.
func generate(ctx context.Context, a *app.App, req orchestrator.GenerationRequest) error {
	id, err := a.Service.Start(ctx, req)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	go a.Service.WatchProgress(ctx, id, a.Settings.ProgressTick*5, func(s progress.Snapshot) bool {
		fmt.Fprintf(os.Stderr, "\r%5.1f%%  %-40s", s.Ratio*100, s.Status)
		return true
	})
	if err := a.Service.Shutdown(ctx); err != nil {
		fmt.Fprintln(os.Stderr)
		return fmt.Errorf("interrupted: %w", err)
	}
	fmt.Fprintln(os.Stderr)

	res, err := a.Service.Result(id)
	if err != nil {
		return fmt.Errorf("result: %w", err)
	}
	printJSON(res)
	if res.Status == orchestrator.StatusFailed {
		return fmt.Errorf("generation failed: %s: %s", res.ErrorKind, res.Reason)
	}
	return nil
}

func runTranscribe(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		text, err := a.Transcriber.Transcribe(ctx, args[0])
		if err != nil {
			return fmt.Errorf("transcribe: %w", err)
		}
		fmt.Println(text)
		return nil
	})
}
