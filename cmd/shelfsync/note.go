package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shelfsync/shelfsync/internal/record"
)

var noteCmd = &cobra.Command{
	Use:   "note",
	Short: "Create a note for a book and queue it for sync",
	Long: `Create an annotation on a book and queue it for the next push.

  shelfsync note --book a1b2c3 --text "the quoted passage" --note "why it matters"
  shelfsync note --book a1b2c3 --chapter 4 --location 112 --text "..." --push`,
	RunE: runNote,
}

func init() {
	noteCmd.Flags().String("book", "", "book hash the note belongs to (required)")
	noteCmd.Flags().String("text", "", "highlighted text")
	noteCmd.Flags().String("note", "", "annotation on the highlight")
	noteCmd.Flags().String("chapter", "", "chapter reference")
	noteCmd.Flags().String("location", "", "position within the book")
	noteCmd.Flags().String("color", "", "highlight color")
	noteCmd.Flags().Bool("push", false, "run a sync cycle for notes immediately")
	noteCmd.MarkFlagRequired("book")
	rootCmd.AddCommand(noteCmd)
}

func runNote(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	session, err := newSession(st)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	bookHash, _ := cmd.Flags().GetString("book")
	note := &record.BookNote{
		NoteID:   uuid.NewString(),
		BookHash: bookHash,
	}
	note.Text, _ = cmd.Flags().GetString("text")
	note.Note, _ = cmd.Flags().GetString("note")
	note.Chapter, _ = cmd.Flags().GetString("chapter")
	note.Location, _ = cmd.Flags().GetString("location")
	note.Color, _ = cmd.Flags().GetString("color")
	note.UserID = session.UserID()
	note.Touch()

	rec, err := record.FromEntity(note)
	if err != nil {
		return err
	}
	if err := session.Enqueue(ctx, rec); err != nil {
		return err
	}
	fmt.Printf("Queued note %s for book %s\n", note.NoteID, bookHash)

	if push, _ := cmd.Flags().GetBool("push"); push {
		return session.SyncKind(ctx, record.KindNotes)
	}
	return nil
}
