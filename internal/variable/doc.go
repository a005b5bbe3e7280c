// Package variable реализует иерархическое дерево scope переменных.
//
// # Обзор
//
// Каждый execution владеет своим scope. Scope хранит переменные в собственном
// Store и ссылается на родителя по ID (не указателем). Дерево — арена записей,
// проиндексированных по ID:
//
//	root scope (process instance)
//	├── child scope (subprocess)
//	│   └── leaf scope (task)
//	└── child scope (parallel branch)
//
// # Правила разрешения
//
//   - Get: локальный store, иначе родитель, иначе not found ("innermost wins")
//   - Set: перезапись в ближайшем scope (начиная с текущего), который уже владеет
//     именем; если владельца нет — создание в корне
//   - SetLocal: всегда создание/перезапись в текущем scope
//   - Remove: как Set, но без создания; если владельца нет — no-op
//   - Has/Names/Variables: объединение от корня к листу, лист затеняет предков
//
// # Stores
//
//   - VolatileStore — in-memory, без сериализации
//   - DurableStore — сериализует значение до изменения (ошибка → store не тронут),
//     хранит format/config, отслеживает изменения для Commit/Rollback
//
// # Ошибки
//
// Обращение к уничтоженному или неизвестному scope возвращает *ScopeError.
// Это нарушение контракта вызывающего кода: ScopeError.Fatal() == true,
// планировщик retries такие ошибки не повторяет.
package variable
