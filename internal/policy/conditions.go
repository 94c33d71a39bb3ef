package policy

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Step is one named check performed while evaluating a policy's
// conditions, used by both the production evaluator (which short-circuits
// on the first failure) and Simulate (which records every step).
type Step struct {
	Name    string
	Pass    bool
	Message string
}

// Evaluate runs the fixed-order condition checks (time_of_day →
// days_of_week → date_range → ip_ranges → max_ttl_seconds), short-circuiting
// on the first failure. An empty/zero-valued condition is always a pass.
func (c Conditions) Evaluate(ctx RequestContext) (bool, string) {
	for _, step := range c.steps(ctx) {
		if !step.Pass {
			return false, step.Message
		}
	}
	return true, ""
}

// Steps runs every condition check without short-circuiting, for Simulate.
func (c Conditions) Steps(ctx RequestContext) []Step {
	return c.steps(ctx)
}

func (c Conditions) steps(ctx RequestContext) []Step {
	return []Step{
		checkTimeOfDay(c.TimeOfDay, ctx.Now),
		checkDaysOfWeek(c.DaysOfWeek, ctx.Now),
		checkDateRange(c.DateRange, ctx.Now),
		checkIPRanges(c.IPRanges, ctx.IP),
		checkMaxTTL(c.MaxTTLSeconds, ctx),
	}
}

func checkTimeOfDay(spec string, now time.Time) Step {
	if spec == "" {
		return Step{Name: "time_of_day", Pass: true, Message: "no constraint"}
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return Step{Name: "time_of_day", Pass: false, Message: fmt.Sprintf("malformed time_of_day %q", spec)}
	}
	start, err1 := parseHHMM(parts[0])
	end, err2 := parseHHMM(parts[1])
	if err1 != nil || err2 != nil {
		return Step{Name: "time_of_day", Pass: false, Message: fmt.Sprintf("malformed time_of_day %q", spec)}
	}
	cur := now.UTC().Hour()*60 + now.UTC().Minute()

	var pass bool
	if start <= end {
		pass = cur >= start && cur <= end
	} else {
		// Wraps across midnight, e.g. "22:00-06:00".
		pass = cur >= start || cur <= end
	}
	msg := "within window"
	if !pass {
		msg = fmt.Sprintf("outside time_of_day window %q", spec)
	}
	return Step{Name: "time_of_day", Pass: pass, Message: msg}
}

func parseHHMM(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("out of range")
	}
	return h*60 + m, nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func checkDaysOfWeek(days []string, now time.Time) Step {
	if len(days) == 0 {
		return Step{Name: "days_of_week", Pass: true, Message: "no constraint"}
	}
	today := now.UTC().Weekday()
	for _, d := range days {
		if wd, ok := weekdayNames[strings.ToLower(d)]; ok && wd == today {
			return Step{Name: "days_of_week", Pass: true, Message: "day allowed"}
		}
	}
	return Step{Name: "days_of_week", Pass: false, Message: fmt.Sprintf("%s not in allowed days %v", today, days)}
}

func checkDateRange(spec string, now time.Time) Step {
	if spec == "" {
		return Step{Name: "date_range", Pass: true, Message: "no constraint"}
	}
	parts := strings.SplitN(spec, "/", 2)
	if len(parts) != 2 {
		return Step{Name: "date_range", Pass: false, Message: fmt.Sprintf("malformed date_range %q", spec)}
	}
	start, err1 := time.Parse("2006-01-02", parts[0])
	end, err2 := time.Parse("2006-01-02", parts[1])
	if err1 != nil || err2 != nil {
		return Step{Name: "date_range", Pass: false, Message: fmt.Sprintf("malformed date_range %q", spec)}
	}
	end = end.Add(24*time.Hour - time.Nanosecond) // inclusive end-of-day
	today := now.UTC()
	pass := !today.Before(start) && !today.After(end)
	msg := "within date range"
	if !pass {
		msg = fmt.Sprintf("outside date_range %q", spec)
	}
	return Step{Name: "date_range", Pass: pass, Message: msg}
}

func checkIPRanges(cidrs []string, ip string) Step {
	if len(cidrs) == 0 {
		return Step{Name: "ip_ranges", Pass: true, Message: "no constraint"}
	}
	if ip == "" {
		return Step{Name: "ip_ranges", Pass: false, Message: "no request ip available"}
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return Step{Name: "ip_ranges", Pass: false, Message: fmt.Sprintf("malformed request ip %q", ip)}
	}
	for _, c := range cidrs {
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		if network.Contains(addr) {
			return Step{Name: "ip_ranges", Pass: true, Message: fmt.Sprintf("matched %s", c)}
		}
	}
	return Step{Name: "ip_ranges", Pass: false, Message: fmt.Sprintf("%s not in any allowed range", ip)}
}

func checkMaxTTL(max int, ctx RequestContext) Step {
	if max <= 0 || !ctx.HasRequestedTTL {
		return Step{Name: "max_ttl_seconds", Pass: true, Message: "no constraint"}
	}
	requested := int(ctx.RequestedTTL.Seconds())
	if requested <= max {
		return Step{Name: "max_ttl_seconds", Pass: true, Message: "within cap"}
	}
	return Step{Name: "max_ttl_seconds", Pass: false,
		Message: "requested ttl " + strconv.Itoa(requested) + "s exceeds cap " + strconv.Itoa(max) + "s"}
}
