package production

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"prodpulse/internal/sensor"
	"prodpulse/internal/shiftclock"
)

// Telegram messages use HTML parse mode; tables are rendered into <pre>
// blocks so column alignment survives proportional fonts.

// ReportMessage builds the per-shift summary sent by shift-report jobs.
// Night-shift reports additionally carry the per-day total.
func ReportMessage(w shiftclock.Window, value, produced, producedPerDay float64, metricUnit, description string) string {
	sym := unitSymbol(metricUnit)
	rows := [][2]string{
		{"Produced", fmt.Sprintf("%.1f%s", produced, sym)},
		{"Counter", fmt.Sprintf("%.1f%s", value, sym)},
	}
	if w.Label == shiftclock.LabelNight {
		rows = append(rows[:1], append([][2]string{
			{"Per day", fmt.Sprintf("%.1f%s", producedPerDay, sym)},
		}, rows[1:]...)...)
	}

	table := renderTable([2]string{"Shift", w.Label}, rows)
	return fmt.Sprintf(
		"<b>%s 📊 </b>\n<u>Shift report</u>\n🗓<i>️%s</i>\n🗓<i>️%s</i>\n<pre>%s</pre>",
		description,
		w.Start.Format("02.01.2006 15:04"),
		w.End.Format("02.01.2006 15:04"),
		table,
	)
}

// ProductionMessage builds the regular production pulse for cumulative jobs.
func ProductionMessage(speed, shiftSpeed, produced float64, metricUnit, shiftLabel, description string, speedInfo bool) string {
	sym := unitSymbol(metricUnit)
	rows := [][2]string{
		{"Produced", fmt.Sprintf("%.1f%s", produced, sym)},
	}
	if speedInfo {
		rows = append([][2]string{
			{"Rate", fmt.Sprintf("%.1f%s/h", speed, sym)},
		}, rows...)
	}
	if shiftSpeed > 0 {
		at := len(rows) - 1
		rows = append(rows[:at], append([][2]string{
			{"Shift rate", fmt.Sprintf("%.1f%s/h", shiftSpeed, sym)},
		}, rows[at:]...)...)
	}

	table := renderTable([2]string{shiftLabel, "Value"}, rows)
	return fmt.Sprintf("<b>%s 📈</b>\n<pre>%s</pre>", description, table)
}

// ValuesMessage builds the snapshot message for simple/multi-sensor jobs.
func ValuesMessage(values []sensor.TitledValue, shiftLabel, description string) string {
	rows := make([][2]string, 0, len(values))
	for _, v := range values {
		rows = append(rows, [2]string{v.Title, fmt.Sprintf("%.1f%s", v.Value, unitSymbol(v.MetricUnit))})
	}
	table := renderTable([2]string{shiftLabel, "Value"}, rows)
	return fmt.Sprintf("<b>%s ⚡️️</b>\n<pre>%s</pre>", description, table)
}

// IdleMessage and FaultMessage are the debounced alert texts.
func IdleMessage(description string) string {
	return fmt.Sprintf("ℹ️ <b>%s</b> is idle 💤.", description)
}

func FaultMessage(description string) string {
	return fmt.Sprintf("⚠️ ATTENTION: <b>%s</b> is in a fault state!", description)
}

func unitSymbol(metricUnit string) string {
	r, size := utf8.DecodeRuneInString(metricUnit)
	if size == 0 || r == utf8.RuneError {
		return "~"
	}
	return string(r)
}

// renderTable draws a small two-column ASCII table.
func renderTable(header [2]string, rows [][2]string) string {
	w0, w1 := utf8.RuneCountInString(header[0]), utf8.RuneCountInString(header[1])
	for _, r := range rows {
		if n := utf8.RuneCountInString(r[0]); n > w0 {
			w0 = n
		}
		if n := utf8.RuneCountInString(r[1]); n > w1 {
			w1 = n
		}
	}

	var b strings.Builder
	sep := func() {
		b.WriteString("+" + strings.Repeat("-", w0+2) + "+" + strings.Repeat("-", w1+2) + "+\n")
	}
	line := func(c0, c1 string) {
		b.WriteString("| " + pad(c0, w0) + " | " + pad(c1, w1) + " |\n")
	}

	sep()
	line(header[0], header[1])
	sep()
	for _, r := range rows {
		line(r[0], r[1])
	}
	sep()
	return strings.TrimRight(b.String(), "\n")
}

func pad(s string, width int) string {
	n := utf8.RuneCountInString(s)
	if n >= width {
		return s
	}
	return s + strings.Repeat(" ", width-n)
}
