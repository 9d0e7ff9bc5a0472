package git

import (
	"context"
	"errors"
	"strings"
)

// NoteAppend appends text to the note attached to commit under notesRef,
// creating the note if absent. Existing note content is never rewritten;
// git separates the appended paragraph from earlier content with a blank line.
func (d *Driver) NoteAppend(ctx context.Context, notesRef, commit, text string) error {
	_, err := d.Run(ctx, []byte(text), "notes", "--ref="+notesRef, "append", "-F", "-", commit)
	return err
}

// NoteShow returns the note attached to commit under notesRef.
// Returns ("", false, nil) if there is no note.
func (d *Driver) NoteShow(ctx context.Context, notesRef, commit string) (string, bool, error) {
	res, err := d.Run(ctx, nil, "notes", "--ref="+notesRef, "show", commit)
	if err != nil {
		var gitErr *Error
		if errors.As(err, &gitErr) && gitErr.Kind == KindNonZeroExit &&
			strings.Contains(gitErr.Stderr, "no note found") {
			return "", false, nil
		}
		return "", false, err
	}
	return string(res.Stdout), true, nil
}
