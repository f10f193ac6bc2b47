package service

import "time"

// Clock возвращает текущее время. Подменяется в тестах для детерминированной
// проверки границ календарного месяца.
type Clock func() time.Time
