// Package rupy assembles a hot-deploy HTTP daemon.
//
// An App owns the request daemon, the bundle loader and the /deploy
// service, and optionally the S3 mirror, the Redis cluster bus and the admin
// server. Run restores missing bundles from the mirror, deploys every bundle
// in the root directory, then serves until the context is done:
//
//	cfg, err := rupy.LoadConfig("rupy.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	app, err := rupy.NewApp(cfg, rupy.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	if err := app.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Bundles are zip files. Besides static content they carry .unit descriptors
// that instantiate the service kinds registered with deploy.Register; the
// built-in kinds live in package units and are linked by this package.
package rupy
