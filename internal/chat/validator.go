package chat

import (
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max body size
	MaxTextChars    = 2000 // max character count
	MaxGroupName    = 100
	MaxGroupMembers = 256

	MaxProfileField = 100
	MaxBio          = 500
	dobLayout       = "2006-01-02"
)

var validContentTypes = map[string]bool{
	ContentText:  true,
	ContentImage: true,
	ContentVideo: true,
	ContentAudio: true,
	ContentFile:  true,
}

// ValidateMessage checks that a message body meets content requirements.
// An empty body is allowed here; ValidateSend decides whether media makes up
// for it.
func ValidateMessage(text string) error {
	if len(text) > MaxMessageBytes {
		return invalid("body", "exceeds 4096 byte limit")
	}
	if !utf8.ValidString(text) {
		return invalid("body", "contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return invalid("body", "exceeds 2000 character limit")
	}
	return nil
}

// ValidateSend normalises and checks a send request in place. ContentType
// defaults to text.
func ValidateSend(req *SendRequest) error {
	if req.ConversationID <= 0 {
		return invalid("conversation_id", "required")
	}
	if strings.TrimSpace(req.SenderID) == "" {
		return invalid("sender_id", "required")
	}

	req.MediaURL = strings.TrimSpace(req.MediaURL)
	if strings.TrimSpace(req.Body) == "" {
		req.Body = ""
	}
	if req.Body == "" && req.MediaURL == "" {
		return invalid("body", "body or media_url required")
	}
	if err := ValidateMessage(req.Body); err != nil {
		return err
	}

	if req.MediaURL != "" {
		u, err := url.Parse(req.MediaURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid("media_url", "must be an absolute http(s) URL")
		}
	}

	if req.ContentType == "" {
		req.ContentType = ContentText
	}
	if !validContentTypes[req.ContentType] {
		return invalid("content_type", "unsupported content type")
	}
	return nil
}

// ValidateSeen checks the fields of a seen acknowledgement. An empty id list
// is valid: it still resets the caller's unread counter.
func ValidateSeen(conversationID int64, messageIDs []int64, userID string) error {
	if conversationID <= 0 {
		return invalid("conversation_id", "required")
	}
	if strings.TrimSpace(userID) == "" {
		return invalid("user_id", "required")
	}
	for _, id := range messageIDs {
		if id <= 0 {
			return invalid("message_ids", "ids must be positive")
		}
	}
	return nil
}

// ValidateGroup checks group creation input. members excludes the creator.
func ValidateGroup(name string, members []string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return invalid("name", "required")
	}
	if utf8.RuneCountInString(name) > MaxGroupName {
		return invalid("name", "too long")
	}
	if len(members)+1 > MaxGroupMembers {
		return invalid("members", "too many members")
	}
	for _, m := range members {
		if strings.TrimSpace(m) == "" {
			return invalid("members", "empty user id")
		}
	}
	return nil
}

// ValidateProfile trims the free-text profile fields in place and checks
// their lengths. DOB must be empty or a past YYYY-MM-DD date.
func ValidateProfile(u *User) error {
	if strings.TrimSpace(u.ID) == "" {
		return invalid("user_id", "required")
	}
	fields := []struct {
		name  string
		value *string
		max   int
	}{
		{"name", &u.Name, MaxProfileField},
		{"email", &u.Email, MaxProfileField},
		{"phone", &u.Phone, MaxProfileField},
		{"gender", &u.Gender, MaxProfileField},
		{"bio", &u.Bio, MaxBio},
	}
	for _, f := range fields {
		*f.value = strings.TrimSpace(*f.value)
		if utf8.RuneCountInString(*f.value) > f.max {
			return invalid(f.name, "too long")
		}
	}

	u.DOB = strings.TrimSpace(u.DOB)
	if u.DOB != "" {
		dob, err := time.Parse(dobLayout, u.DOB)
		if err != nil {
			return invalid("dob", "must be YYYY-MM-DD")
		}
		if dob.After(time.Now()) {
			return invalid("dob", "in the future")
		}
	}
	return nil
}
