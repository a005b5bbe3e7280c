// Package runtime собирает движок из компонентов.
//
//	rt := runtime.New(runtime.Config{
//	    Store:     jobRepo,       // default: jobs.MemoryStore
//	    Persister: variableRepo,  // default: variable.MemoryPersister
//	    Incidents: incidentRepo,  // default: jobs.MemoryIncidents
//	    History:   []history.Sink{historyRepo, redisSink},
//	    Logger:    logger,
//	})
//	rt.RegisterHandler("charge-card", func(ctx context.Context, jc *runtime.JobContext) error {
//	    amount, _, err := jc.Scope.Get("amount")
//	    ...
//	    jc.Advance("sendReceipt")
//	    return nil
//	})
//	rt.Start(ctx)
//	defer rt.Stop()
//
// Перед телом работы runtime проверяет, что execution ACTIVE.
// После успешного тела сохраняются durable scopes execution и применяются
// Advance/End. После ошибки durable scopes откатываются к последнему
// сохранению, а execution и его activityRef не меняются.
package runtime
