package insights

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectLearningMoment(t *testing.T) {
	d := NewDetector()

	tests := []struct {
		name string
		text string
		want bool
	}{
		{"didn't know", "I didn't know slices shared backing arrays", true},
		{"no idea", "i had no idea that worked", true},
		{"makes sense", "Ah, that makes sense now", true},
		{"discovered", "I discovered a neat trick today", true},
		{"plain statement", "Please update the README", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, got := d.DetectLearningMoment(tt.text)
			assert.Equal(t, tt.want, got)
			if got {
				assert.Contains(t, content, "Learning moment")
			}
		})
	}
}

func TestDetectProblemSolving(t *testing.T) {
	d := NewDetector()

	tests := []struct {
		name string
		text string
		want bool
	}{
		{"how do i", "How do I configure TLS here?", true},
		{"stuck", "I'm stuck on this migration", true},
		{"issue", "There is an issue with the build", true},
		{"fix", "Can you fix the flaky test?", true},
		{"smalltalk", "Good morning!", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, got := d.DetectProblemSolving(tt.text)
			assert.Equal(t, tt.want, got)
			if got {
				assert.Contains(t, content, "Problem-solving")
			}
		})
	}
}

func TestDetectLearningMoment_TruncatesLongText(t *testing.T) {
	d := NewDetector()

	long := "i learned "
	for len(long) < 300 {
		long += "something very detailed "
	}

	content, got := d.DetectLearningMoment(long)
	assert.True(t, got)
	assert.LessOrEqual(t, len(content), len("Learning moment detected: ")+snippetLength+3)
}

func TestExtractInterests(t *testing.T) {
	d := NewDetector()

	interests := d.ExtractInterests("I love hiking in the mountains. Also playing with Docker and Kubernetes at work.")
	assert.Contains(t, interests, "hiking in the mountains")
	assert.Contains(t, interests, "docker")
	assert.Contains(t, interests, "kubernetes")
}

func TestExtractInterests_Deduplicates(t *testing.T) {
	d := NewDetector()

	interests := d.ExtractInterests("python python python, I am interested in python")
	count := 0
	for _, i := range interests {
		if i == "python" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestExtractInterests_None(t *testing.T) {
	d := NewDetector()
	assert.Empty(t, d.ExtractInterests("Let's schedule the meeting for Tuesday"))
}

func TestExtractProjects(t *testing.T) {
	d := NewDetector()

	projects := d.ExtractProjects("I'm working on a recipe sharing site. My tool for budgeting needs tests too.")
	assert.Contains(t, projects, "a recipe sharing site")
	assert.Contains(t, projects, "for budgeting needs tests too")
}
