package ingest

import (
	"context"

	"VoiceForge/internal/models"
	apperrors "VoiceForge/pkg/errors"
)

// Hint is a bilingual line shown on the recording page.
type Hint struct {
	TextNE string `json:"text_ne"`
	TextEN string `json:"text_en"`
}

var Tips = []Hint{
	{"शान्त ठाउँमा रेकर्ड गर्नुहोस्", "Record in a quiet place"},
	{"माइक्रोफोनलाई मुखको नजिक राख्नुहोस्", "Keep the microphone close to your mouth"},
	{"स्पष्ट र प्राकृतिक रूपमा बोल्नुहोस्", "Speak clearly and naturally"},
	{"प्रत्येक रेकर्डिङ ३ देखि ३० सेकेन्ड लामो हुनुपर्छ", "Each recording should be 3-30 seconds long"},
	{"विभिन्न विषयमा बोल्नुहोस्, कथा, समाचार, आफ्नो बारेमा", "Talk about different topics: stories, news, about yourself"},
	{"खुसी, दुखी, गम्भीर, विभिन्न भावनामा बोल्नुहोस्", "Speak in different emotions: happy, sad, serious"},
}

var Suggestions = []Hint{
	{"आफ्नो परिचय दिनुहोस्", "Introduce yourself"},
	{"आजको मौसम बारेमा बताउनुहोस्", "Talk about today's weather"},
	{"कुनै कथा सुनाउनुहोस्", "Tell a story"},
	{"आफ्नो मनपर्ने खानाको बारेमा बताउनुहोस्", "Talk about your favourite food"},
	{"आफ्नो परिवारको बारेमा बताउनुहोस्", "Talk about your family"},
	{"आफ्नो गाउँ वा शहरको बारेमा बताउनुहोस्", "Talk about your village or city"},
	{"कुनै समाचार बारेमा बोल्नुहोस्", "Talk about some news"},
	{"दैनिक जीवनको बारेमा बताउनुहोस्", "Talk about your daily life"},
}

// Session is what the public recording page needs.
type Session struct {
	ProfileName         string `json:"profile_name"`
	Tips                []Hint `json:"tips"`
	Suggestions         []Hint `json:"suggestions"`
	CompletedRecordings int    `json:"completed_recordings"`
	MaxRecordings       int    `json:"max_recordings"`
	MinRequired         int    `json:"min_required"`
}

// Session resolves a recording link into the page state.
func (g *Gate) Session(ctx context.Context, token string) (*Session, error) {
	profileID, err := g.tokens.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	p, err := g.machine.Load(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if !p.Status.AcceptsRecordings() {
		return nil, apperrors.E(apperrors.KindValidation, notAccepting)
	}
	count, _, err := models.AcceptedTotals(g.db.WithContext(ctx), p.ID)
	if err != nil {
		return nil, apperrors.WrapKind(apperrors.KindInfrastructure, err, "count recordings")
	}
	return &Session{
		ProfileName:         p.Name,
		Tips:                Tips,
		Suggestions:         Suggestions,
		CompletedRecordings: count,
		MaxRecordings:       g.cfg.MaxRecordingsPerProfile,
		MinRequired:         g.cfg.MinRecordingsForTraining,
	}, nil
}
