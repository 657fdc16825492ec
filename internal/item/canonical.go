package item

import (
	"fmt"
	"strings"
)

// CanonicalID derives the stable identity an envelope dedups under. The
// default is source:external_id. Canvas module items that declare underlying
// content (an assignment, quiz or discussion with a content id) collapse to
// the underlying entity's id, so the same assignment reached through module
// navigation and through a direct listing yields one task.
func CanonicalID(e Envelope) string {
	if e.Source == SourceCanvas && e.Course != nil {
		return canvasCanonicalID(e.Course)
	}
	return fmt.Sprintf("%s:%s", e.Source, e.ExternalID)
}

func canvasCanonicalID(c *CoursePayload) string {
	if c.Kind == CourseModuleItem {
		if kind, ok := contentKind(c.ContentType); ok && c.ContentID > 0 {
			return fmt.Sprintf("%s:%s:%d", SourceCanvas, kind, c.ContentID)
		}
		// No resolvable underlying content: the module item stands alone.
		return fmt.Sprintf("%s:%s:%s", SourceCanvas, CourseModuleItem, c.StableID)
	}
	return fmt.Sprintf("%s:%s:%s", SourceCanvas, c.Kind, c.StableID)
}

// contentKind maps Canvas module item content_type declarations onto the
// kinds used for directly fetched entities.
func contentKind(contentType string) (CourseKind, bool) {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "assignment":
		return CourseAssignment, true
	case "quiz", "quizzes/quiz":
		return CourseQuiz, true
	case "discussion", "discussiontopic", "discussion_topic":
		return CourseDiscussion, true
	default:
		return "", false
	}
}
