package queue

import "time"

func JitterForTest(d time.Duration) time.Duration { return defaultJitter(d) }
