package pavlovia

import "time"

const resultKeyLayout = "2006-01-02_15h04.05.000"

// ResultKey names an upload: <experiment>_<participant>_SESSION_<timestamp>.csv,
// with the timestamp formatted in at's own location.
func ResultKey(experiment, participantID string, at time.Time) string {
	return experiment + "_" + participantID + "_SESSION_" + at.Format(resultKeyLayout) + ".csv"
}
