package entities

// UserQuota holds the daily speech limits of a user. Zero means unlimited.
type UserQuota struct {
	UserID          string  `json:"user_id" bson:"_id"`
	DailyTTSChars   int     `json:"daily_tts_chars" bson:"daily_tts_chars"`
	DailyASRSeconds float64 `json:"daily_asr_seconds" bson:"daily_asr_seconds"`
}

// Usage is the aggregated consumption of a user over a window
type Usage struct {
	TTSChars   int     `json:"tts_chars"`
	ASRSeconds float64 `json:"asr_seconds"`
}

// Allows reports whether a request of the given kind still fits the quota.
// For synthesis amount is characters, for recognition it is audio seconds.
func (q UserQuota) Allows(used Usage, kind TaskKind, amount float64) bool {
	switch kind {
	case TaskKindTTS:
		if q.DailyTTSChars <= 0 {
			return true
		}
		return float64(used.TTSChars)+amount <= float64(q.DailyTTSChars)
	case TaskKindASR:
		if q.DailyASRSeconds <= 0 {
			return true
		}
		return used.ASRSeconds+amount <= q.DailyASRSeconds
	}
	return false
}
