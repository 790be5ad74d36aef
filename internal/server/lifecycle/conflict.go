package lifecycle

import "gorm.io/gorm/clause"

// onConflictDoNothing mirrors "ON CONFLICT (app_id) DO NOTHING" across both
// the sqlite and postgres dialects GORM supports here.
func onConflictDoNothing() clause.OnConflict {
	return clause.OnConflict{DoNothing: true}
}
